package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/thejerf/abtime"

	"task-manager/internal/domain"
	"task-manager/internal/repository"
)

// CreateTaskInput is the payload of a task creation.
type CreateTaskInput struct {
	Name        string `validate:"required,min=2"`
	Description string `validate:"required,min=2"`
	StartDate   *time.Time
	DueDate     *time.Time
}

// UpdateTaskInput is a partial task update. Nil fields are left unchanged.
type UpdateTaskInput struct {
	Name          *string `validate:"omitempty,min=2"`
	Description   *string `validate:"omitempty,min=2"`
	StartDate     *time.Time
	DueDate       *time.Time
	CompletedDate *time.Time
}

func (in UpdateTaskInput) patch() domain.TaskPatch {
	return domain.TaskPatch{
		Name:          in.Name,
		Description:   in.Description,
		StartDate:     in.StartDate,
		DueDate:       in.DueDate,
		CompletedDate: in.CompletedDate,
	}
}

// Archiver keeps a copy of removed tasks.
type Archiver interface {
	ArchiveTask(ctx context.Context, task domain.Task) (string, error)
}

// TaskService coordinates task level operations backed by repositories.
type TaskService interface {
	Create(ctx context.Context, owner *domain.User, in CreateTaskInput) (*domain.Task, error)
	FindAll(ctx context.Context) ([]domain.Task, error)
	FindOne(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	ListForUser(ctx context.Context, user *domain.User) ([]domain.Task, error)
	Search(ctx context.Context, user *domain.User, query string) ([]domain.Task, error)
	Update(ctx context.Context, id uuid.UUID, in UpdateTaskInput, user *domain.User) (*domain.Task, error)
	Remove(ctx context.Context, id uuid.UUID, user *domain.User) (*domain.Task, error)
}

type taskService struct {
	tasks    repository.TaskRepository
	archiver Archiver
	clock    abtime.AbstractTime
	logger   logrus.FieldLogger
}

// NewTaskService builds the task service. archiver may be nil.
func NewTaskService(tasks repository.TaskRepository, archiver Archiver, clock abtime.AbstractTime, logger logrus.FieldLogger) TaskService {
	if clock == nil {
		clock = abtime.NewRealTime()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &taskService{
		tasks:    tasks,
		archiver: archiver,
		clock:    clock,
		logger:   logger.WithField("component", "tasks"),
	}
}

func (s *taskService) Create(ctx context.Context, owner *domain.User, in CreateTaskInput) (*domain.Task, error) {
	if owner == nil {
		return nil, newError(ErrUnauthorized, "Unauthorized")
	}
	if err := validateInput(in); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	task := &domain.Task{
		Name:        in.Name,
		Description: in.Description,
		StartDate:   in.StartDate,
		DueDate:     in.DueDate,
		CreatedDate: now,
		UserID:      owner.ID,
	}
	if task.StartDate == nil {
		task.StartDate = &now
	}

	if err := s.tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return task, nil
}

func (s *taskService) FindAll(ctx context.Context) ([]domain.Task, error) {
	return s.tasks.List(ctx)
}

func (s *taskService) FindOne(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newError(ErrNotFound, "Task with id: %s could not be found", id)
		}
		return nil, err
	}
	return task, nil
}

func (s *taskService) ListForUser(ctx context.Context, user *domain.User) ([]domain.Task, error) {
	return s.tasks.ListByUser(ctx, user.ID)
}

func (s *taskService) Search(ctx context.Context, user *domain.User, query string) ([]domain.Task, error) {
	return s.tasks.Search(ctx, user.ID, query)
}

func (s *taskService) Update(ctx context.Context, id uuid.UUID, in UpdateTaskInput, user *domain.User) (*domain.Task, error) {
	if err := validateInput(in); err != nil {
		return nil, err
	}
	task, err := s.checkOwner(ctx, id, user, "update")
	if err != nil {
		return nil, err
	}

	in.patch().Apply(task)
	now := s.clock.Now().UTC()
	task.UpdatedDate = &now

	// The owner predicate rides along with the write; losing the row between the
	// check and here reads as not found.
	if err := s.tasks.Update(ctx, task, user.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newError(ErrNotFound, "Task with id: %s not found", id)
		}
		return nil, err
	}
	return s.FindOne(ctx, id)
}

func (s *taskService) Remove(ctx context.Context, id uuid.UUID, user *domain.User) (*domain.Task, error) {
	task, err := s.checkOwner(ctx, id, user, "delete")
	if err != nil {
		return nil, err
	}

	if err := s.tasks.Delete(ctx, id, user.ID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newError(ErrNotFound, "Task with id: %s not found", id)
		}
		return nil, err
	}

	if s.archiver != nil {
		location, err := s.archiver.ArchiveTask(ctx, *task)
		if err != nil {
			s.logger.WithError(err).WithField("task_id", id).Warn("archive removed task")
		} else {
			s.logger.WithFields(logrus.Fields{"task_id": id, "location": location}).Debug("archived removed task")
		}
	}
	return task, nil
}

func (s *taskService) checkOwner(ctx context.Context, id uuid.UUID, user *domain.User, action string) (*domain.Task, error) {
	task, err := s.tasks.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newError(ErrNotFound, "Task with id: %s not found", id)
		}
		return nil, err
	}
	if user == nil || !task.OwnedBy(user.ID) {
		return nil, newError(ErrUnauthorized, "You are not authorized to %s this task", action)
	}
	return task, nil
}
