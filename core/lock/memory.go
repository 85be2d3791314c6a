package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type held struct {
	token     string
	expiresAt time.Time
}

// MemoryLock is a single-process Lock, suitable for a lone gatewayd
// instance or tests. Multi-instance deployments use the Redis-backed
// adapter instead (same Lock interface).
type MemoryLock struct {
	mu    sync.Mutex
	locks map[string]held
}

func NewMemoryLock() *MemoryLock {
	return &MemoryLock{locks: make(map[string]held)}
}

func (m *MemoryLock) TryAcquire(_ context.Context, name string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if h, ok := m.locks[name]; ok && h.expiresAt.After(now) {
		return "", ErrAlreadyHeld
	}

	token := uuid.NewString()
	m.locks[name] = held{token: token, expiresAt: now.Add(ttl)}
	return token, nil
}

func (m *MemoryLock) Renew(_ context.Context, name, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.locks[name]
	if !ok || h.token != token || h.expiresAt.Before(time.Now()) {
		return ErrNotHeld
	}
	h.expiresAt = time.Now().Add(ttl)
	m.locks[name] = h
	return nil
}

func (m *MemoryLock) Release(_ context.Context, name, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.locks[name]
	if !ok {
		return nil
	}
	if h.token != token {
		return ErrNotHeld
	}
	delete(m.locks, name)
	return nil
}

var _ Lock = (*MemoryLock)(nil)
