package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"task-manager/internal/auth"
	"task-manager/internal/domain"
	"task-manager/internal/service"
	"task-manager/internal/storage"
)

type ErrorResponse struct {
	StatusCode int    `json:"statusCode"`
	Error      string `json:"error"`
	Message    string `json:"message"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

type UserResponse struct {
	ID        string   `json:"id"`
	Email     string   `json:"email"`
	FullName  string   `json:"fullName"`
	IsActive  bool     `json:"isActive"`
	Roles     []string `json:"roles"`
	CreatedAt string   `json:"createdAt"`
	UpdatedAt string   `json:"updatedAt"`
}

type TaskResponse struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Description   string  `json:"description"`
	StartDate     *string `json:"startDate"`
	DueDate       *string `json:"dueDate"`
	CompletedDate *string `json:"completedDate"`
	CreatedDate   string  `json:"createdDate"`
	UpdatedDate   *string `json:"updatedDate"`
	UserID        string  `json:"userId"`
}

type StorageObjectResponse struct {
	Key          string  `json:"key"`
	Size         int64   `json:"size"`
	LastModified *string `json:"lastModified,omitempty"`
}

func objectToResponse(obj storage.ObjectInfo) StorageObjectResponse {
	resp := StorageObjectResponse{
		Key:  obj.Key,
		Size: obj.Size,
	}
	if obj.LastModified != nil && !obj.LastModified.IsZero() {
		v := obj.LastModified.Format(time.RFC3339Nano)
		resp.LastModified = &v
	}
	return resp
}

func userToResponse(user *domain.User) UserResponse {
	roles := make([]string, len(user.Roles))
	for i, r := range user.Roles {
		roles[i] = string(r)
	}
	return UserResponse{
		ID:        user.ID.String(),
		Email:     user.Email,
		FullName:  user.FullName,
		IsActive:  user.IsActive,
		Roles:     roles,
		CreatedAt: user.CreatedAt.Format(time.RFC3339Nano),
		UpdatedAt: user.UpdatedAt.Format(time.RFC3339Nano),
	}
}

func taskToResponse(task domain.Task) TaskResponse {
	return TaskResponse{
		ID:            task.ID.String(),
		Name:          task.Name,
		Description:   task.Description,
		StartDate:     formatTime(task.StartDate),
		DueDate:       formatTime(task.DueDate),
		CompletedDate: formatTime(task.CompletedDate),
		CreatedDate:   task.CreatedDate.Format(time.RFC3339Nano),
		UpdatedDate:   formatTime(task.UpdatedDate),
		UserID:        task.UserID.String(),
	}
}

func tasksToResponse(tasks []domain.Task) []TaskResponse {
	resp := make([]TaskResponse, len(tasks))
	for i := range tasks {
		resp[i] = taskToResponse(tasks[i])
	}
	return resp
}

func formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.Format(time.RFC3339Nano)
	return &v
}

// dateValue accepts RFC 3339 timestamps and plain calendar dates.
type dateValue time.Time

func (d *dateValue) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("date must be a string")
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			*d = dateValue(t.UTC())
			return nil
		}
	}
	return fmt.Errorf("%q is not an ISO 8601 date", s)
}

func (d *dateValue) timePtr() *time.Time {
	if d == nil {
		return nil
	}
	t := time.Time(*d)
	return &t
}

func abortWithError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		StatusCode: status,
		Error:      http.StatusText(status),
		Message:    message,
	})
}

// fail maps a service error onto its status code. Unexpected errors are logged and
// answered with a generic message; a missing identity is logged as a wiring defect.
func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	entry := h.logger.WithError(err).WithFields(logrus.Fields{
		"method": c.Request.Method,
		"path":   c.FullPath(),
	})
	switch {
	case status == http.StatusInternalServerError:
		entry.Error("request failed")
		abortWithError(c, status, "Internal server error")
		return
	case errors.Is(err, auth.ErrIdentityMissing):
		entry.Error("role check ran without an authenticated user")
	}
	abortWithError(c, status, errorMessage(err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrValidation),
		errors.Is(err, service.ErrConflict),
		errors.Is(err, auth.ErrIdentityMissing):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorMessage(err error) string {
	var svcErr *service.Error
	switch {
	case errors.As(err, &svcErr):
		return svcErr.Message
	case errors.Is(err, auth.ErrForbidden):
		return strings.TrimPrefix(err.Error(), auth.ErrForbidden.Error()+": ")
	case errors.Is(err, auth.ErrIdentityMissing):
		return "User not found (request)"
	case errors.Is(err, storage.ErrDisabled):
		return "Task archive is not configured"
	default:
		return err.Error()
	}
}

func bindingMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, service.FieldMessage(fe))
		}
		return strings.Join(msgs, "; ")
	}
	return "Invalid request body: " + err.Error()
}
