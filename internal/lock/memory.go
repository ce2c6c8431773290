// Package lock provides the in-process run lock used when no shared
// lock service is configured.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prn-tf/ndn-sync/internal/repository"
)

type held struct {
	token     string
	expiresAt time.Time
}

// MemoryLock implements repository.RunLock for a single process.
type MemoryLock struct {
	mu    sync.Mutex
	locks map[string]held
}

// NewMemoryLock creates an in-process run lock.
func NewMemoryLock() *MemoryLock {
	return &MemoryLock{locks: make(map[string]held)}
}

// Acquire takes the lock or returns ErrLockNotAcquired while a live
// holder exists.
func (l *MemoryLock) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h, ok := l.locks[key]; ok && time.Now().Before(h.expiresAt) {
		return "", repository.ErrLockNotAcquired
	}

	token := uuid.New().String()
	l.locks[key] = held{token: token, expiresAt: time.Now().Add(ttl)}
	return token, nil
}

// Release frees the lock if the token still owns it. Releasing with a
// stale token is a no-op.
func (l *MemoryLock) Release(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if h, ok := l.locks[key]; ok && h.token == token {
		delete(l.locks, key)
	}
	return nil
}

// NoOpLock satisfies repository.RunLock without locking; used by tests
// and single-shot tooling.
type NoOpLock struct{}

// Acquire always succeeds.
func (NoOpLock) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "noop", nil
}

// Release always succeeds.
func (NoOpLock) Release(ctx context.Context, key, token string) error {
	return nil
}

// Ensure both implement repository.RunLock.
var (
	_ repository.RunLock = (*MemoryLock)(nil)
	_ repository.RunLock = NoOpLock{}
)
