package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"task-manager/internal/domain"
	"task-manager/internal/repository"
)

const createUsersTable = `
CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	full_name TEXT NOT NULL,
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	roles TEXT NOT NULL DEFAULT '["user"]',
	created_at {{timestamp}} NOT NULL,
	updated_at {{timestamp}} NOT NULL
);
`

const selectUser = `
SELECT id, email, password_hash, full_name, is_active, roles, created_at, updated_at
FROM users`

type UserRepository struct {
	db *DB
}

func NewUserRepository(db *DB) repository.UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Init(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, r.db.schema(createUsersTable)); err != nil {
		return fmt.Errorf("create users table: %w", err)
	}
	return nil
}

func (r *UserRepository) Create(ctx context.Context, user *domain.User) error {
	if user.ID == uuid.Nil {
		user.ID = uuid.New()
	}
	user.Email = domain.NormalizeEmail(user.Email)
	if len(user.Roles) == 0 {
		user.Roles = domain.DefaultRoles()
	}
	roles, err := encodeRoles(user.Roles)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, r.db.rebind(`
INSERT INTO users (id, email, password_hash, full_name, is_active, roles, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		user.ID,
		user.Email,
		user.PasswordHash,
		user.FullName,
		user.IsActive,
		roles,
		user.CreatedAt.UTC(),
		user.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert user %s: %w", user.Email, repository.ErrDuplicate)
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (r *UserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, r.db.rebind(selectUser+`
WHERE email = ?`),
		domain.NormalizeEmail(email),
	)
	return scanUser(row)
}

func (r *UserRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	row := r.db.QueryRowContext(ctx, r.db.rebind(selectUser+`
WHERE id = ?`),
		id,
	)
	return scanUser(row)
}

func (r *UserRepository) Update(ctx context.Context, user *domain.User) error {
	user.Email = domain.NormalizeEmail(user.Email)
	roles, err := encodeRoles(user.Roles)
	if err != nil {
		return err
	}

	res, err := r.db.ExecContext(ctx, r.db.rebind(`
UPDATE users
SET email=?, full_name=?, is_active=?, roles=?, updated_at=?
WHERE id=?`),
		user.Email,
		user.FullName,
		user.IsActive,
		roles,
		user.UpdatedAt.UTC(),
		user.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("update user %s: %w", user.Email, repository.ErrDuplicate)
		}
		return fmt.Errorf("update user: %w", err)
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("user update rows affected: %w", err)
	}
	if aff == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func scanUser(row scanner) (*domain.User, error) {
	var (
		user  domain.User
		roles string
	)
	if err := row.Scan(
		&user.ID,
		&user.Email,
		&user.PasswordHash,
		&user.FullName,
		&user.IsActive,
		&roles,
		&user.CreatedAt,
		&user.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}

	parsed, err := decodeRoles(roles)
	if err != nil {
		return nil, err
	}
	user.Roles = parsed
	user.CreatedAt = user.CreatedAt.UTC()
	user.UpdatedAt = user.UpdatedAt.UTC()
	return &user, nil
}

func encodeRoles(roles []domain.Role) (string, error) {
	b, err := json.Marshal(roles)
	if err != nil {
		return "", fmt.Errorf("encode roles: %w", err)
	}
	return string(b), nil
}

func decodeRoles(raw string) ([]domain.Role, error) {
	var names []string
	if err := json.Unmarshal([]byte(raw), &names); err != nil {
		return nil, fmt.Errorf("decode roles: %w", err)
	}
	roles, err := domain.ParseRoles(names)
	if err != nil {
		return nil, fmt.Errorf("decode roles: %w", err)
	}
	return roles, nil
}
