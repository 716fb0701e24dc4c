package storage

import (
	"context"
	"sync"
)

// MemoryStorage is an in-memory Storage implementation, useful for tests and
// deployments that accept a cold start after every restart.
type MemoryStorage struct {
	mu    sync.RWMutex
	state State
	saves int
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{state: *NewState()}
}

func (m *MemoryStorage) Load(ctx context.Context) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := m.state.Clone()
	return &cp, nil
}

func (m *MemoryStorage) Save(ctx context.Context, st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = st.Clone()
	m.saves++
	return nil
}

// Saves returns how many times Save was called.
func (m *MemoryStorage) Saves() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.saves
}

func (m *MemoryStorage) Ping(ctx context.Context) error { return nil }

func (m *MemoryStorage) Close() error { return nil }
