package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"task-manager/internal/domain"
	"task-manager/internal/repository"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL,
	start_date {{timestamp}} NULL,
	due_date {{timestamp}} NULL,
	completed_date {{timestamp}} NULL,
	created_date {{timestamp}} NOT NULL,
	updated_date {{timestamp}} NULL,
	user_id TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	name_fold TEXT NOT NULL DEFAULT '',
	description_fold TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_tasks_user_id ON tasks(user_id);
`

const selectTask = `
SELECT id, name, description, start_date, due_date, completed_date, created_date, updated_date, user_id
FROM tasks`

type TaskRepository struct {
	db *DB
}

func NewTaskRepository(db *DB) repository.TaskRepository {
	return &TaskRepository{db: db}
}

func (r *TaskRepository) Init(ctx context.Context) error {
	for _, stmt := range strings.Split(r.db.schema(createTasksTable), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create tasks table: %w", err)
		}
	}
	return nil
}

func (r *TaskRepository) Create(ctx context.Context, task *domain.Task) error {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}

	_, err := r.db.ExecContext(ctx, r.db.rebind(`
INSERT INTO tasks (id, name, description, start_date, due_date, completed_date, created_date, updated_date, user_id, name_fold, description_fold)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		task.ID,
		task.Name,
		task.Description,
		nullTime(task.StartDate),
		nullTime(task.DueDate),
		nullTime(task.CompletedDate),
		task.CreatedDate.UTC(),
		nullTime(task.UpdatedDate),
		task.UserID,
		foldText(task.Name),
		foldText(task.Description),
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (r *TaskRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	row := r.db.QueryRowContext(ctx, r.db.rebind(selectTask+`
WHERE id=?`),
		id,
	)
	return scanTask(row)
}

func (r *TaskRepository) List(ctx context.Context) ([]domain.Task, error) {
	return r.query(ctx, selectTask+`
ORDER BY created_date ASC`)
}

func (r *TaskRepository) ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.Task, error) {
	return r.query(ctx, selectTask+`
WHERE user_id=?
ORDER BY created_date ASC`, userID)
}

func (r *TaskRepository) Search(ctx context.Context, userID uuid.UUID, query string) ([]domain.Task, error) {
	pattern := "%" + escapeLike(foldText(query)) + "%"
	return r.query(ctx, selectTask+`
WHERE user_id=?
AND (name_fold LIKE ? ESCAPE '\' OR description_fold LIKE ? ESCAPE '\')
ORDER BY created_date ASC`, userID, pattern, pattern)
}

func (r *TaskRepository) Update(ctx context.Context, task *domain.Task, ownerID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, r.db.rebind(`
UPDATE tasks
SET name=?, description=?, name_fold=?, description_fold=?, start_date=?, due_date=?, completed_date=?, updated_date=?
WHERE id=? AND user_id=?`),
		task.Name,
		task.Description,
		foldText(task.Name),
		foldText(task.Description),
		nullTime(task.StartDate),
		nullTime(task.DueDate),
		nullTime(task.CompletedDate),
		nullTime(task.UpdatedDate),
		task.ID,
		ownerID,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return expectAffected(res, "update task")
}

func (r *TaskRepository) Delete(ctx context.Context, id, ownerID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, r.db.rebind(`DELETE FROM tasks WHERE id=? AND user_id=?`), id, ownerID)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return expectAffected(res, "delete task")
}

func (r *TaskRepository) query(ctx context.Context, query string, args ...any) ([]domain.Task, error) {
	rows, err := r.db.QueryContext(ctx, r.db.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	tasks := []domain.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}

	return tasks, rows.Err()
}

func scanTask(row scanner) (*domain.Task, error) {
	var (
		task          domain.Task
		startDate     sql.NullTime
		dueDate       sql.NullTime
		completedDate sql.NullTime
		updatedDate   sql.NullTime
	)

	if err := row.Scan(
		&task.ID,
		&task.Name,
		&task.Description,
		&startDate,
		&dueDate,
		&completedDate,
		&task.CreatedDate,
		&updatedDate,
		&task.UserID,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}

	task.CreatedDate = task.CreatedDate.UTC()
	task.StartDate = timePtr(startDate)
	task.DueDate = timePtr(dueDate)
	task.CompletedDate = timePtr(completedDate)
	task.UpdatedDate = timePtr(updatedDate)
	return &task, nil
}

func expectAffected(res sql.Result, op string) error {
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if aff == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// foldText is the Unicode case-folded form stored for search and applied to queries.
func foldText(s string) string {
	return norm.NFC.String(cases.Fold().String(norm.NFC.String(s)))
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
