package repomanager

import (
	"context"
	"sync"

	"github.com/dmitrijs2005/tokenkeeper/internal/server/repositories/refreshtokens"
	"github.com/dmitrijs2005/tokenkeeper/internal/server/repositories/users"
)

type userLock struct {
	ch   chan struct{}
	refs int
}

// MemoryRepositoryManager keeps everything in process memory.
type MemoryRepositoryManager struct {
	users  *users.MemoryRepository
	tokens *refreshtokens.MemoryRepository

	mu    sync.Mutex
	locks map[string]*userLock
}

func NewMemoryRepositoryManager() *MemoryRepositoryManager {
	return &MemoryRepositoryManager{
		users:  users.NewMemoryRepository(),
		tokens: refreshtokens.NewMemoryRepository(),
		locks:  make(map[string]*userLock),
	}
}

func (m *MemoryRepositoryManager) RunMigrations(context.Context) error {
	return nil
}

func (m *MemoryRepositoryManager) Users() users.Repository {
	return m.users
}

func (m *MemoryRepositoryManager) RefreshTokens() refreshtokens.Repository {
	return m.tokens
}

func (m *MemoryRepositoryManager) Close() error {
	return nil
}

func (m *MemoryRepositoryManager) acquire(userID string) *userLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[userID]
	if !ok {
		l = &userLock{ch: make(chan struct{}, 1)}
		m.locks[userID] = l
	}
	l.refs++
	return l
}

func (m *MemoryRepositoryManager) release(userID string, l *userLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, userID)
	}
}

func (m *MemoryRepositoryManager) WithinUserScope(ctx context.Context, userID string, fn ScopeFunc) error {
	l := m.acquire(userID)
	defer m.release(userID, l)

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.ch }()

	return fn(ctx, m.tokens)
}
