package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"task-manager/internal/auth"
)

const (
	// PasswordTag is the validation tag for the password complexity rule.
	PasswordTag = "password"
	// PasswordBytesTag bounds a password by the bytes bcrypt accepts.
	PasswordBytesTag = "pwbytes"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := RegisterRules(v); err != nil {
		panic(err)
	}
	return v
}

// RegisterRules installs the custom validation tags on v. The HTTP layer registers the
// same rules on its binding engine.
func RegisterRules(v *validator.Validate) error {
	if err := v.RegisterValidation(PasswordTag, func(fl validator.FieldLevel) bool {
		return ValidPassword(fl.Field().String())
	}); err != nil {
		return err
	}
	return v.RegisterValidation(PasswordBytesTag, func(fl validator.FieldLevel) bool {
		return len(fl.Field().String()) <= auth.MaxPasswordBytes
	})
}

// ValidPassword requires an ASCII uppercase letter, an ASCII lowercase letter, and a
// digit or symbol. Any rune outside [A-Za-z0-9_] is a symbol, non-ASCII letters included.
// Length bounds are checked separately with min/max tags.
func ValidPassword(password string) bool {
	var upper, lower, digitOrSymbol bool
	for _, r := range password {
		switch {
		case r >= 'A' && r <= 'Z':
			upper = true
		case r >= 'a' && r <= 'z':
			lower = true
		case r == '_':
		default:
			digitOrSymbol = true
		}
	}
	return upper && lower && digitOrSymbol
}

func validateInput(in any) error {
	err := validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validate input: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, FieldMessage(fe))
	}
	return newError(ErrValidation, "%s", strings.Join(msgs, "; "))
}

// FieldMessage renders a single field failure for API clients.
func FieldMessage(fe validator.FieldError) string {
	field := lowerFirst(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "email":
		return field + " must be an email"
	case "min":
		return fmt.Sprintf("%s must be longer than or equal to %s characters", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be shorter than or equal to %s characters", field, fe.Param())
	case PasswordTag:
		return "The password must have a Uppercase, lowercase letter and a number"
	case PasswordBytesTag:
		return fmt.Sprintf("%s must not exceed %d bytes", field, auth.MaxPasswordBytes)
	case "uuid":
		return field + " must be a UUID"
	default:
		return fmt.Sprintf("%s is invalid (%s)", field, fe.Tag())
	}
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
