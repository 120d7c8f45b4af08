package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/aidashboard/backend/internal/db"
	"github.com/aidashboard/backend/internal/logger"
)

const (
	testAccessSecret  = "access-secret-for-tests"
	testRefreshSecret = "refresh-secret-for-tests"
)

func newTestService(t *testing.T) (*Service, db.UserStore, *TokenIssuer) {
	t.Helper()
	store := db.NewMemoryUserStore()
	tokens := NewTokenIssuer(testAccessSecret, testRefreshSecret, AccessTokenExpiry, RefreshTokenExpiry)
	return NewService(store, NewPasswordHasher(bcrypt.MinCost), tokens, logger.Nop()), store, tokens
}

func TestPasswordHasher(t *testing.T) {
	h := NewPasswordHasher(bcrypt.MinCost)

	hash, err := h.Hash("longenough1")
	require.NoError(t, err)

	assert.NotEqual(t, "longenough1", hash)
	assert.True(t, strings.HasPrefix(hash, "$2a$"))
	assert.True(t, h.Verify("longenough1", hash))
	assert.False(t, h.Verify("longenough2", hash))
	assert.False(t, h.Verify("longenough1", "not-a-hash"))
}

func TestPasswordHasher_ClampsCost(t *testing.T) {
	assert.Equal(t, bcrypt.MinCost, NewPasswordHasher(1).Cost())
	assert.Equal(t, bcrypt.MaxCost, NewPasswordHasher(99).Cost())
	assert.Equal(t, DefaultBcryptCost, NewPasswordHasher(DefaultBcryptCost).Cost())
}

func TestService_SignupThenLogin(t *testing.T) {
	svc, _, tokens := newTestService(t)
	ctx := context.Background()

	user, pair, err := svc.Signup(ctx, "A@B.com", "longenough1")
	require.NoError(t, err)
	require.NotEmpty(t, user.ID)
	assert.Equal(t, "a@b.com", user.Email)
	assert.NotEqual(t, "longenough1", user.PasswordHash)

	claims, err := tokens.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, user.ID, claims.UserID())

	loggedIn, _, err := svc.Login(ctx, "a@b.com", "longenough1")
	require.NoError(t, err)
	assert.Equal(t, user.ID, loggedIn.ID)
}

func TestService_SignupDuplicate(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Signup(ctx, "a@b.com", "longenough1")
	require.NoError(t, err)

	_, _, err = svc.Signup(ctx, " A@b.COM", "otherpassword")
	assert.ErrorIs(t, err, db.ErrEmailExists)
}

// raceStore hides existing users from FindByEmail so Create's unique check
// is the only thing standing between two signups.
type raceStore struct {
	db.UserStore
}

func (raceStore) FindByEmail(context.Context, string) (*db.User, error) {
	return nil, db.ErrUserNotFound
}

func TestService_SignupConflictOnInsert(t *testing.T) {
	store := raceStore{db.NewMemoryUserStore()}
	tokens := NewTokenIssuer(testAccessSecret, testRefreshSecret, 0, 0)
	svc := NewService(store, NewPasswordHasher(bcrypt.MinCost), tokens, logger.Nop())
	ctx := context.Background()

	_, _, err := svc.Signup(ctx, "a@b.com", "longenough1")
	require.NoError(t, err)

	_, _, err = svc.Signup(ctx, "a@b.com", "longenough1")
	assert.ErrorIs(t, err, db.ErrEmailExists)
}

func TestService_LoginFailures(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, _, err := svc.Signup(ctx, "a@b.com", "longenough1")
	require.NoError(t, err)

	_, _, err = svc.Login(ctx, "a@b.com", "wrongpassword")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, _, err = svc.Login(ctx, "nobody@b.com", "longenough1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestService_Refresh(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	user, pair, err := svc.Signup(ctx, "a@b.com", "longenough1")
	require.NoError(t, err)

	newPair, err := svc.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, newPair.AccessToken)

	// An access token is not a refresh token.
	_, err = svc.Refresh(ctx, pair.AccessToken)
	assert.ErrorIs(t, err, ErrInvalidToken)

	require.NoError(t, store.Delete(ctx, user.ID))
	_, err = svc.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestService_ChangePassword(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	user, _, err := svc.Signup(ctx, "a@b.com", "longenough1")
	require.NoError(t, err)

	_, err = svc.ChangePassword(ctx, user.ID, "wrongpassword", "brandnewpass")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	pair, err := svc.ChangePassword(ctx, user.ID, "longenough1", "brandnewpass")
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)

	_, _, err = svc.Login(ctx, "a@b.com", "longenough1")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, _, err = svc.Login(ctx, "a@b.com", "brandnewpass")
	assert.NoError(t, err)
}

func TestService_DeleteAccount(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	user, _, err := svc.Signup(ctx, "a@b.com", "longenough1")
	require.NoError(t, err)

	assert.ErrorIs(t, svc.DeleteAccount(ctx, user.ID, "wrongpassword"), ErrInvalidCredentials)
	require.NoError(t, svc.DeleteAccount(ctx, user.ID, "longenough1"))

	_, err = svc.Me(ctx, user.ID)
	assert.ErrorIs(t, err, db.ErrUserNotFound)

	// The email is free again.
	_, _, err = svc.Signup(ctx, "a@b.com", "longenough1")
	assert.NoError(t, err)
}

type failingStore struct {
	db.UserStore
}

func (failingStore) FindByEmail(context.Context, string) (*db.User, error) {
	return nil, fmt.Errorf("%w: connection refused", db.ErrUnavailable)
}

func TestService_StoreUnavailable(t *testing.T) {
	tokens := NewTokenIssuer(testAccessSecret, testRefreshSecret, 0, 0)
	svc := NewService(failingStore{db.NewMemoryUserStore()}, NewPasswordHasher(bcrypt.MinCost), tokens, logger.Nop())

	_, _, err := svc.Login(context.Background(), "a@b.com", "longenough1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, db.ErrUnavailable))
	assert.False(t, errors.Is(err, ErrInvalidCredentials))
}

func TestTokenIssuer_ExpiryWithClock(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	tokens := NewTokenIssuer(testAccessSecret, testRefreshSecret, AccessTokenExpiry, RefreshTokenExpiry)
	tokens.SetClock(func() time.Time { return now })

	pair, err := tokens.Issue("user-1", "a@b.com")
	require.NoError(t, err)
	assert.Equal(t, now.Add(15*time.Minute), pair.AccessExpiresAt)
	assert.Equal(t, now.Add(7*24*time.Hour), pair.RefreshExpiresAt)

	claims, err := tokens.VerifyAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID())
	assert.Equal(t, "a@b.com", claims.Email)

	tokens.SetClock(func() time.Time { return now.Add(16 * time.Minute) })
	_, err = tokens.VerifyAccess(pair.AccessToken)
	assert.ErrorIs(t, err, ErrTokenExpired)

	// The refresh token outlives the access token.
	claims, err = tokens.VerifyRefresh(pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID())

	tokens.SetClock(func() time.Time { return now.Add(8 * 24 * time.Hour) })
	_, err = tokens.VerifyRefresh(pair.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestTokenIssuer_Rejects(t *testing.T) {
	tokens := NewTokenIssuer(testAccessSecret, testRefreshSecret, 0, 0)
	pair, err := tokens.Issue("user-1", "a@b.com")
	require.NoError(t, err)

	t.Run("cross use", func(t *testing.T) {
		_, err := tokens.VerifyAccess(pair.RefreshToken)
		assert.ErrorIs(t, err, ErrInvalidToken)
		_, err = tokens.VerifyRefresh(pair.AccessToken)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("same secrets still separated by audience", func(t *testing.T) {
		same := NewTokenIssuer("shared", "shared", 0, 0)
		p, err := same.Issue("user-1", "a@b.com")
		require.NoError(t, err)
		_, err = same.VerifyAccess(p.RefreshToken)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("tampered", func(t *testing.T) {
		parts := strings.Split(pair.RefreshToken, ".")
		require.Len(t, parts, 3)
		sig := []byte(parts[2])
		if sig[0] == 'A' {
			sig[0] = 'B'
		} else {
			sig[0] = 'A'
		}
		tampered := parts[0] + "." + parts[1] + "." + string(sig)
		_, err := tokens.VerifyRefresh(tampered)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewTokenIssuer("other-access", "other-refresh", 0, 0)
		_, err := other.VerifyAccess(pair.AccessToken)
		assert.ErrorIs(t, err, ErrInvalidToken)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := tokens.VerifyAccess("not.a.jwt")
		assert.ErrorIs(t, err, ErrInvalidToken)
		_, err = tokens.VerifyAccess("")
		assert.ErrorIs(t, err, ErrInvalidToken)
	})
}

func TestValidateRequest(t *testing.T) {
	tests := []struct {
		name    string
		req     any
		wantMsg string
	}{
		{"valid signup", &SignupRequest{Email: "a@b.com", Password: "longenough1"}, ""},
		{"missing email", &SignupRequest{Password: "longenough1"}, "email and password are required"},
		{"bad email", &SignupRequest{Email: "notanemail", Password: "longenough1"}, "invalid email"},
		{"no tld", &SignupRequest{Email: "a@b", Password: "longenough1"}, "invalid email"},
		{"short password", &SignupRequest{Email: "a@b.com", Password: "short"}, "password must be at least 8 characters"},
		{"long password", &SignupRequest{Email: "a@b.com", Password: strings.Repeat("x", 73)}, "password must be at most 72 bytes"},
		{"72 bytes ok", &SignupRequest{Email: "a@b.com", Password: strings.Repeat("x", 72)}, ""},
		{"login missing password", &LoginRequest{Email: "a@b.com"}, "email and password are required"},
		{"login any email shape", &LoginRequest{Email: "whatever", Password: "x"}, ""},
		{"change short", &ChangePasswordRequest{CurrentPassword: "old", NewPassword: "short"}, "password must be at least 8 characters"},
		{"delete missing", &DeleteAccountRequest{}, "password is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRequest(tt.req)
			if tt.wantMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}
