package domain

import (
	"time"

	"github.com/google/uuid"
)

// Task is a unit of work owned by exactly one user.
type Task struct {
	ID            uuid.UUID
	Name          string
	Description   string
	StartDate     *time.Time
	DueDate       *time.Time
	CompletedDate *time.Time
	CreatedDate   time.Time
	UpdatedDate   *time.Time
	UserID        uuid.UUID
}

// OwnedBy reports whether userID owns the task.
func (t *Task) OwnedBy(userID uuid.UUID) bool {
	return t.UserID == userID
}

// TaskPatch carries the fields of a partial task update. Nil fields are left unchanged.
type TaskPatch struct {
	Name          *string
	Description   *string
	StartDate     *time.Time
	DueDate       *time.Time
	CompletedDate *time.Time
}

// Apply copies every non-nil field of the patch onto task.
func (p TaskPatch) Apply(task *Task) {
	if p.Name != nil {
		task.Name = *p.Name
	}
	if p.Description != nil {
		task.Description = *p.Description
	}
	if p.StartDate != nil {
		t := *p.StartDate
		task.StartDate = &t
	}
	if p.DueDate != nil {
		t := *p.DueDate
		task.DueDate = &t
	}
	if p.CompletedDate != nil {
		t := *p.CompletedDate
		task.CompletedDate = &t
	}
}
