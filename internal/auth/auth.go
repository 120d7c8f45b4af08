// Package auth implements password sign-in with JWT access and refresh
// tokens carried in HttpOnly cookies.
package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aidashboard/backend/internal/db"
	"github.com/aidashboard/backend/internal/logger"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type Service struct {
	store  db.UserStore
	hasher *PasswordHasher
	tokens *TokenIssuer
	log    *logger.Logger

	dummyOnce sync.Once
	dummyHash string
}

func NewService(store db.UserStore, hasher *PasswordHasher, tokens *TokenIssuer, log *logger.Logger) *Service {
	return &Service{
		store:  store,
		hasher: hasher,
		tokens: tokens,
		log:    log.WithComponent("auth"),
	}
}

// Signup creates a user and issues its first token pair. A duplicate email
// yields db.ErrEmailExists, whether caught by the lookup or by the store's
// unique constraint on insert.
func (s *Service) Signup(ctx context.Context, email, password string) (*db.User, *TokenPair, error) {
	email = db.NormalizeEmail(email)

	if _, err := s.store.FindByEmail(ctx, email); err == nil {
		return nil, nil, db.ErrEmailExists
	} else if !errors.Is(err, db.ErrUserNotFound) {
		return nil, nil, err
	}

	passwordHash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, nil, err
	}

	now := time.Now().UTC()
	user := &db.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, user); err != nil {
		return nil, nil, err
	}

	pair, err := s.tokens.Issue(user.ID, user.Email)
	if err != nil {
		return nil, nil, err
	}

	s.log.Info(ctx, "user signed up", map[string]interface{}{"user_id": user.ID})
	return user, pair, nil
}

// Login checks the password and issues a fresh pair. Unknown emails and wrong
// passwords both return ErrInvalidCredentials after a bcrypt comparison.
func (s *Service) Login(ctx context.Context, email, password string) (*db.User, *TokenPair, error) {
	user, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, db.ErrUserNotFound) {
			s.hasher.Verify(password, s.dummy())
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, err
	}

	if !s.hasher.Verify(password, user.PasswordHash) {
		return nil, nil, ErrInvalidCredentials
	}

	pair, err := s.tokens.Issue(user.ID, user.Email)
	if err != nil {
		return nil, nil, err
	}
	return user, pair, nil
}

// Refresh verifies a refresh token and issues a new pair for its subject.
// A token whose user no longer exists is treated as invalid.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return nil, err
	}

	user, err := s.store.FindByID(ctx, claims.UserID())
	if err != nil {
		if errors.Is(err, db.ErrUserNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}

	return s.tokens.Issue(user.ID, user.Email)
}

func (s *Service) Me(ctx context.Context, userID string) (*db.User, error) {
	return s.store.FindByID(ctx, userID)
}

// ChangePassword replaces the password hash after checking the current one
// and returns a new token pair.
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) (*TokenPair, error) {
	user, err := s.authenticate(ctx, userID, currentPassword)
	if err != nil {
		return nil, err
	}

	passwordHash, err := s.hasher.Hash(newPassword)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdatePasswordHash(ctx, user.ID, passwordHash); err != nil {
		return nil, err
	}

	s.log.Info(ctx, "password changed", map[string]interface{}{"user_id": user.ID})
	return s.tokens.Issue(user.ID, user.Email)
}

func (s *Service) DeleteAccount(ctx context.Context, userID, password string) error {
	user, err := s.authenticate(ctx, userID, password)
	if err != nil {
		return err
	}

	if err := s.store.Delete(ctx, user.ID); err != nil {
		return err
	}

	s.log.Info(ctx, "account deleted", map[string]interface{}{"user_id": user.ID})
	return nil
}

func (s *Service) authenticate(ctx context.Context, userID, password string) (*db.User, error) {
	user, err := s.store.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !s.hasher.Verify(password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	return user, nil
}

// dummy is a hash at the configured cost used to keep unknown-email logins
// as slow as real ones.
func (s *Service) dummy() string {
	s.dummyOnce.Do(func() {
		hash, err := s.hasher.Hash(uuid.NewString())
		if err == nil {
			s.dummyHash = hash
		}
	})
	return s.dummyHash
}
