// Package db is the credential store: user records keyed by id with a
// unique, normalized email.
package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/aidashboard/backend/internal/config"
	"github.com/aidashboard/backend/internal/logger"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrEmailExists  = errors.New("email already exists")
	ErrUnavailable  = errors.New("credential store unavailable")
)

type User struct {
	ID           string    `bson:"_id"`
	Email        string    `bson:"email"`
	PasswordHash string    `bson:"passwordHash"`
	CreatedAt    time.Time `bson:"createdAt"`
	UpdatedAt    time.Time `bson:"updatedAt"`
}

// UserStore persists user records. Implementations connect lazily on first
// use and report connection failures as ErrUnavailable. Email arguments are
// normalized by the implementation.
type UserStore interface {
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByID(ctx context.Context, id string) (*User, error)
	// Create inserts user. A duplicate email yields ErrEmailExists.
	Create(ctx context.Context, user *User) error
	UpdatePasswordHash(ctx context.Context, id, passwordHash string) error
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int64, error)
	// EnsureSchema creates the unique email index (or table).
	EnsureSchema(ctx context.Context) error
	Close(ctx context.Context) error
}

// NewUserStore builds the store selected by cfg.StoreDriver. No connection
// is made here.
func NewUserStore(cfg *config.Config, log *logger.Logger) (UserStore, error) {
	switch cfg.StoreDriver {
	case config.StoreMongo:
		return NewMongoUserStore(cfg.MongoURI, cfg.MongoDatabase, log), nil
	case config.StorePostgres:
		return NewPostgresUserStore(cfg.DatabaseURL, log), nil
	case config.StoreMemory:
		return NewMemoryUserStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// NormalizeEmail trims, NFKC-normalizes and lowercases an address so that
// visually identical inputs map to one record.
func NormalizeEmail(email string) string {
	return strings.ToLower(norm.NFKC.String(strings.TrimSpace(email)))
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
