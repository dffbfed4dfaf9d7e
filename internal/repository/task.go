package repository

import (
	"context"

	"github.com/google/uuid"

	"task-manager/internal/domain"
)

// TaskRepository exposes persistence operations for Task aggregates.
type TaskRepository interface {
	Init(ctx context.Context) error
	Create(ctx context.Context, task *domain.Task) error
	Get(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	List(ctx context.Context) ([]domain.Task, error)
	ListByUser(ctx context.Context, userID uuid.UUID) ([]domain.Task, error)
	// Search matches query against name or description, case-insensitively.
	Search(ctx context.Context, userID uuid.UUID, query string) ([]domain.Task, error)
	// Update and Delete only touch the row when it is still owned by ownerID;
	// otherwise they return ErrNotFound.
	Update(ctx context.Context, task *domain.Task, ownerID uuid.UUID) error
	Delete(ctx context.Context, id, ownerID uuid.UUID) error
}
