package storage

import (
	"context"
	"errors"
	"time"

	"task-manager/internal/domain"
)

// ErrDisabled is returned when no archive bucket is configured.
var ErrDisabled = errors.New("storage: archive disabled")

type ObjectInfo struct {
	Key          string     `json:"key"`
	Size         int64      `json:"size"`
	LastModified *time.Time `json:"lastModified,omitempty"`
}

// Service archives removed tasks to remote object storage.
type Service interface {
	ArchiveTask(ctx context.Context, task domain.Task) (string, error)
	ListObjects(ctx context.Context, prefix string) ([]ObjectInfo, error)
}
