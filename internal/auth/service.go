package auth

import (
	"context"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/skolara/skolara/internal/rbac"
	"github.com/skolara/skolara/internal/shared"
)

// Service wraps authentication business rules.
type Service struct {
	repo Repository
}

// NewService constructs a new Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Authenticate validates email/password credentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}

// Lookup resolves a user ID into an actor descriptor for authorization checks.
func (s *Service) Lookup(ctx context.Context, userID int64) (rbac.Actor, error) {
	user, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		return rbac.Actor{}, err
	}
	if !user.IsActive {
		return rbac.Actor{}, shared.ErrUnauthorized
	}
	return rbac.Actor{
		ID:         user.ID,
		Role:       rbac.Role(user.Role),
		Superadmin: user.IsSuperadmin,
	}, nil
}

// RegisterSession persists the session metadata in postgres.
func (s *Service) RegisterSession(ctx context.Context, id string, userID int64, expiresAt time.Time, ip, ua string) error {
	return s.repo.CreateSession(ctx, id, userID, expiresAt, ip, ua)
}

// RemoveSession deletes a session record from postgres.
func (s *Service) RemoveSession(ctx context.Context, id string) error {
	return s.repo.DeleteSession(ctx, id)
}

var _ rbac.ActorLookup = (*Service)(nil)
