package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/aidashboard/backend/internal/logger"
)

const pgUniqueViolation = "23505"

const pgSchema = `
CREATE TABLE IF NOT EXISTS users (
	id            UUID PRIMARY KEY,
	email         VARCHAR(255) NOT NULL,
	password_hash VARCHAR(255) NOT NULL,
	created_at    TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
	updated_at    TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
	CONSTRAINT users_email_key UNIQUE (email)
);
`

// PostgresUserStore stores users in a "users" table.
type PostgresUserStore struct {
	dsn string
	log *logger.Logger

	mu sync.Mutex
	db *sql.DB
}

func NewPostgresUserStore(dsn string, log *logger.Logger) *PostgresUserStore {
	return &PostgresUserStore{
		dsn: dsn,
		log: log.WithComponent("postgres"),
	}
}

// conn opens and pings the pool on first use and creates the table.
func (s *PostgresUserStore) conn(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db, nil
	}

	db, err := sql.Open("postgres", s.dsn)
	if err != nil {
		return nil, unavailable(err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, unavailable(err)
	}
	if _, err := db.ExecContext(pingCtx, pgSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	s.log.Info(ctx, "connected to PostgreSQL")
	s.db = db
	return db, nil
}

func (s *PostgresUserStore) EnsureSchema(ctx context.Context) error {
	_, err := s.conn(ctx)
	return err
}

func (s *PostgresUserStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return s.queryOne(ctx, `
		SELECT id, email, password_hash, created_at, updated_at
		FROM users
		WHERE email = $1
	`, NormalizeEmail(email))
}

func (s *PostgresUserStore) FindByID(ctx context.Context, id string) (*User, error) {
	return s.queryOne(ctx, `
		SELECT id, email, password_hash, created_at, updated_at
		FROM users
		WHERE id = $1
	`, id)
}

func (s *PostgresUserStore) queryOne(ctx context.Context, query string, arg any) (*User, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}

	user := &User{}
	err = db.QueryRowContext(ctx, query, arg).Scan(
		&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Class() == "22" {
			// Malformed UUID in the id column.
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

func (s *PostgresUserStore) Create(ctx context.Context, user *User) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	user.Email = NormalizeEmail(user.Email)
	_, err = db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, user.ID, user.Email, user.PasswordHash, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrEmailExists
		}
		return err
	}
	return nil
}

func (s *PostgresUserStore) UpdatePasswordHash(ctx context.Context, id, passwordHash string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $2, updated_at = NOW()
		WHERE id = $1
	`, id, passwordHash)
	return checkAffected(res, err)
}

func (s *PostgresUserStore) Delete(ctx context.Context, id string) error {
	db, err := s.conn(ctx)
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	return checkAffected(res, err)
}

func (s *PostgresUserStore) Count(ctx context.Context) (int64, error) {
	db, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}

	var n int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s *PostgresUserStore) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func checkAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrUserNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation
}
