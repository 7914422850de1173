package local

import (
	"context"
	"sync"
)

// SessionPersistence keeps the session token across restarts. Load returns
// an empty token when nothing is stored.
type SessionPersistence interface {
	Save(ctx context.Context, token string) error
	Load(ctx context.Context) (string, error)
	Clear(ctx context.Context) error
}

// MemoryPersistence is the process local SessionPersistence.
type MemoryPersistence struct {
	mu    sync.Mutex
	token string
}

func (m *MemoryPersistence) Save(_ context.Context, token string) error {
	m.mu.Lock()
	m.token = token
	m.mu.Unlock()
	return nil
}

func (m *MemoryPersistence) Load(context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.token, nil
}

func (m *MemoryPersistence) Clear(context.Context) error {
	m.mu.Lock()
	m.token = ""
	m.mu.Unlock()
	return nil
}
