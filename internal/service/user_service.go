package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/thejerf/abtime"

	"task-manager/internal/auth"
	"task-manager/internal/domain"
	"task-manager/internal/repository"
)

// RegisterInput is the payload of a registration.
type RegisterInput struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required,min=6,max=50,password,pwbytes"`
	FullName string `validate:"required,min=1"`
}

// LoginInput is the payload of a login.
type LoginInput struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required,min=6,max=50,password,pwbytes"`
}

// UserPatch carries administrative changes to a user. Nil fields are left unchanged.
type UserPatch struct {
	FullName *string  `validate:"omitempty,min=1"`
	IsActive *bool
	Roles    []string
}

// TokenIssuer signs tokens for a user id.
type TokenIssuer interface {
	Issue(userID uuid.UUID) (string, error)
}

// UserService describes user lifecycle operations.
type UserService interface {
	Register(ctx context.Context, in RegisterInput) (string, error)
	Login(ctx context.Context, in LoginInput) (string, error)
	// Resolve loads the active user a verified token refers to.
	Resolve(ctx context.Context, claims *auth.Claims) (*domain.User, error)
	UpdateUser(ctx context.Context, id uuid.UUID, patch UserPatch) (*domain.User, error)
	// EnsureAdmin creates an administrator unless the email is already registered.
	EnsureAdmin(ctx context.Context, email, password string) (bool, error)
}

type userService struct {
	users  repository.UserRepository
	hasher auth.PasswordHasher
	tokens TokenIssuer
	clock  abtime.AbstractTime
	logger logrus.FieldLogger
}

func NewUserService(users repository.UserRepository, hasher auth.PasswordHasher, tokens TokenIssuer, clock abtime.AbstractTime, logger logrus.FieldLogger) UserService {
	if clock == nil {
		clock = abtime.NewRealTime()
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &userService{
		users:  users,
		hasher: hasher,
		tokens: tokens,
		clock:  clock,
		logger: logger.WithField("component", "users"),
	}
}

func (s *userService) Register(ctx context.Context, in RegisterInput) (string, error) {
	if err := validateInput(in); err != nil {
		return "", err
	}

	user, err := s.create(ctx, in.Email, in.Password, in.FullName, domain.DefaultRoles())
	if err != nil {
		return "", err
	}
	return s.issue(user)
}

func (s *userService) Login(ctx context.Context, in LoginInput) (string, error) {
	if err := validateInput(in); err != nil {
		return "", err
	}

	user, err := s.users.GetByEmail(ctx, in.Email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.WithField("email", domain.NormalizeEmail(in.Email)).Info("login rejected: unknown email")
			return "", ErrInvalidCredentials
		}
		return "", s.internal("load user for login", err)
	}

	if err := s.hasher.Compare(ctx, user.PasswordHash, in.Password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			s.logger.WithField("user_id", user.ID).Info("login rejected: wrong password")
			return "", ErrInvalidCredentials
		}
		return "", s.internal("compare password", err)
	}

	return s.issue(user)
}

func (s *userService) Resolve(ctx context.Context, claims *auth.Claims) (*domain.User, error) {
	if claims == nil {
		return nil, newError(ErrUnauthorized, "Token not valid")
	}
	user, err := s.users.GetByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newError(ErrUnauthorized, "Token not valid")
		}
		return nil, s.internal("resolve identity", err)
	}
	if !user.IsActive {
		return nil, newError(ErrUnauthorized, "User is inactive, talk with an admin")
	}
	return sanitizeUser(user), nil
}

func (s *userService) UpdateUser(ctx context.Context, id uuid.UUID, patch UserPatch) (*domain.User, error) {
	if err := validateInput(patch); err != nil {
		return nil, err
	}
	var roles []domain.Role
	if patch.Roles != nil {
		if len(patch.Roles) == 0 {
			return nil, newError(ErrValidation, "roles must contain at least one role")
		}
		parsed, err := domain.ParseRoles(patch.Roles)
		if err != nil {
			return nil, newError(ErrValidation, "%v", err)
		}
		roles = parsed
	}

	user, err := s.users.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newError(ErrNotFound, "User with id: %s could not be found", id)
		}
		return nil, s.internal("load user", err)
	}

	if patch.FullName != nil {
		user.FullName = *patch.FullName
	}
	if patch.IsActive != nil {
		user.IsActive = *patch.IsActive
	}
	if roles != nil {
		user.Roles = roles
	}
	user.UpdatedAt = s.clock.Now().UTC()

	if err := s.users.Update(ctx, user); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, newError(ErrNotFound, "User with id: %s could not be found", id)
		}
		return nil, s.internal("update user", err)
	}

	s.logger.WithFields(logrus.Fields{
		"user_id":   user.ID,
		"roles":     user.Roles,
		"is_active": user.IsActive,
	}).Info("user updated")
	return sanitizeUser(user), nil
}

func (s *userService) EnsureAdmin(ctx context.Context, email, password string) (bool, error) {
	in := RegisterInput{Email: email, Password: password, FullName: "Admin"}
	if err := validateInput(in); err != nil {
		return false, err
	}

	_, err := s.create(ctx, in.Email, in.Password, in.FullName, []domain.Role{domain.RoleAdmin, domain.RoleUser})
	if errors.Is(err, ErrConflict) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *userService) create(ctx context.Context, email, password, fullName string, roles []domain.Role) (*domain.User, error) {
	hash, err := s.hasher.Hash(ctx, password)
	if err != nil {
		return nil, s.internal("hash password", err)
	}

	now := s.clock.Now().UTC()
	user := &domain.User{
		Email:        domain.NormalizeEmail(email),
		PasswordHash: hash,
		FullName:     fullName,
		IsActive:     true,
		Roles:        roles,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, newError(ErrConflict, "Key (email)=(%s) already exists.", user.Email)
		}
		return nil, s.internal("create user", err)
	}
	return sanitizeUser(user), nil
}

func (s *userService) issue(user *domain.User) (string, error) {
	token, err := s.tokens.Issue(user.ID)
	if err != nil {
		return "", s.internal("issue token", err)
	}
	return token, nil
}

func (s *userService) internal(op string, err error) error {
	s.logger.WithError(err).Error(op)
	return fmt.Errorf("%s: %w", op, err)
}

func sanitizeUser(user *domain.User) *domain.User {
	if user == nil {
		return nil
	}
	clean := *user
	clean.PasswordHash = ""
	clean.Roles = append([]domain.Role(nil), user.Roles...)
	return &clean
}
