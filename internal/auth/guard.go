package auth

import (
	"errors"
	"fmt"
	"strings"

	"task-manager/internal/domain"
)

var (
	// ErrIdentityMissing means a role check ran before authentication.
	ErrIdentityMissing = errors.New("user not found")
	// ErrForbidden means the identity holds none of the required roles.
	ErrForbidden = errors.New("forbidden")
)

// Authorize allows the call when no roles are required or when user holds at least one
// of them.
func Authorize(required []domain.Role, user *domain.User) error {
	if len(required) == 0 {
		return nil
	}
	if user == nil {
		return ErrIdentityMissing
	}
	if user.HasAnyRole(required...) {
		return nil
	}

	names := make([]string, len(required))
	for i, r := range required {
		names[i] = string(r)
	}
	return fmt.Errorf("%w: User %s need a valid role: [%s]", ErrForbidden, user.FullName, strings.Join(names, ","))
}
