package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

type User struct {
	ID           uint64
	Username     string
	PasswordHash []byte
	CreatedAt    time.Time
}

// UserStore 实现 auth.UserRepository
type UserStore struct{ db *sql.DB }

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

func nowUTC() time.Time { return time.Now().UTC() }

func (s *UserStore) CreateUser(ctx context.Context, username string, passwordHash []byte) (uint64, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	now := nowUTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		username, passwordHash, now, now,
	)
	if err != nil {
		if isDuplicate(err) {
			return 0, ErrUsernameTaken
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, ErrDeadlineExceeded
		}
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return uint64(id), nil
}

func (s *UserStore) GetByUsername(ctx context.Context, username string) (*User, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var u User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, created_at FROM users WHERE username = ?`,
		username,
	).Scan(&u.ID, &u.Username, &u.PasswordHash, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}
