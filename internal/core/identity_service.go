package core

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"gwi.com/gemini-chat/internal/auth"
	"gwi.com/gemini-chat/internal/store"
)

const (
	minPasswordLength = 8
	// bcrypt only hashes the first 72 bytes and rejects longer input.
	maxPasswordBytes = 72
)

var emailPattern = regexp.MustCompile(`^\w+([.-]?\w+)*@\w+([.-]?\w+)*(\.\w{2,3})+$`)

// UserStore holds user credentials.
type UserStore interface {
	CreateUser(ctx context.Context, email, name, passwordHash string) (*store.User, error)
	GetUserByEmail(ctx context.Context, email string) (*store.User, error)
}

type IdentityService struct {
	users UserStore
}

func NewIdentityService(users UserStore) *IdentityService {
	return &IdentityService{users: users}
}

// Register creates a user. Duplicate emails surface as store.ErrDuplicateEmail
// wrapped in a validation error.
func (s *IdentityService) Register(ctx context.Context, email, name, password string) (*store.User, error) {
	email = strings.TrimSpace(email)
	if !emailPattern.MatchString(email) {
		return nil, newError(ErrorValidation, "invalid email", nil)
	}
	if len(password) < minPasswordLength {
		return nil, newError(ErrorValidation, "password must be at least 8 characters long", nil)
	}
	if len(password) > maxPasswordBytes {
		return nil, newError(ErrorValidation, "password must be at most 72 bytes long", nil)
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return nil, newError(ErrorInternal, "failed to process password", err)
	}

	user, err := s.users.CreateUser(ctx, email, strings.TrimSpace(name), hash)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEmail) {
			return nil, newError(ErrorValidation, "email already registered", err)
		}
		return nil, newError(ErrorPersistence, "failed to create user", err)
	}
	return user, nil
}

// Authenticate returns the user when the password matches, nil otherwise.
func (s *IdentityService) Authenticate(ctx context.Context, email, password string) (*store.User, error) {
	user, err := s.users.GetUserByEmail(ctx, strings.TrimSpace(email))
	if err != nil {
		return nil, newError(ErrorPersistence, "failed to load user", err)
	}
	if user == nil || !auth.CheckPasswordHash(password, user.PasswordHash) {
		return nil, nil
	}
	return user, nil
}

// Exists reports whether a user with email is registered.
func (s *IdentityService) Exists(ctx context.Context, email string) (bool, error) {
	user, err := s.users.GetUserByEmail(ctx, email)
	if err != nil {
		return false, newError(ErrorPersistence, "failed to load user", err)
	}
	return user != nil, nil
}
