package repository

import (
	"context"

	"github.com/google/uuid"

	"task-manager/internal/domain"
)

// UserRepository defines persistence operations for User entities.
type UserRepository interface {
	Init(ctx context.Context) error
	// Create inserts the user. It returns ErrDuplicate when the email is taken.
	Create(ctx context.Context, user *domain.User) error
	// GetByEmail returns the user including its password hash.
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.User, error)
	Update(ctx context.Context, user *domain.User) error
}
