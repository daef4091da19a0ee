package auth

import (
	"context"
	"sync"
	"time"

	"chatwiki/backend/internal/store"
)

// UserRepository 由 store.UserStore 实现
type UserRepository interface {
	CreateUser(ctx context.Context, username string, passwordHash []byte) (uint64, error)
	GetByUsername(ctx context.Context, username string) (*store.User, error)
}

// MemoryUsers 是没有配置 MySQL 时使用的进程内用户表
type MemoryUsers struct {
	mu     sync.Mutex
	nextID uint64
	users  map[string]*store.User
}

func NewMemoryUsers() *MemoryUsers {
	return &MemoryUsers{users: make(map[string]*store.User)}
}

func (m *MemoryUsers) CreateUser(_ context.Context, username string, passwordHash []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[username]; ok {
		return 0, store.ErrUsernameTaken
	}
	m.nextID++
	m.users[username] = &store.User{ID: m.nextID, Username: username, PasswordHash: passwordHash, CreatedAt: time.Now()}
	return m.nextID, nil
}

func (m *MemoryUsers) GetByUsername(_ context.Context, username string) (*store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[username]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}
