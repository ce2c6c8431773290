package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/prn-tf/ndn-sync/internal/repository"
)

// defaultLockTTL bounds an abandoned run lock.
const defaultLockTTL = 30 * time.Second

// RunLock implements repository.RunLock on Redis so two processes
// cannot drive the same item catalog concurrently.
type RunLock struct {
	client *Client
}

// NewRunLock creates a Redis-backed run lock.
func NewRunLock(client *Client) repository.RunLock {
	return &RunLock{client: client}
}

// Acquire takes the lock with SETNX and returns the holder token.
func (l *RunLock) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = defaultLockTTL
	}

	lockKey := prefixLock + key
	token := uuid.New().String()

	success, err := l.client.client.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !success {
		return "", repository.ErrLockNotAcquired
	}

	l.client.logger.Debug().
		Str("key", key).
		Str("token", token).
		Dur("ttl", ttl).
		Msg("run lock acquired")

	return token, nil
}

// Release frees the lock if the token still owns it.
func (l *RunLock) Release(ctx context.Context, key, token string) error {
	lockKey := prefixLock + key

	// Delete only when the value still matches our token.
	script := `
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		else
			return 0
		end
	`
	if err := l.client.client.Eval(ctx, script, []string{lockKey}, token).Err(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	l.client.logger.Debug().
		Str("key", key).
		Msg("run lock released")
	return nil
}
