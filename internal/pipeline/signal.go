// Package pipeline implements the backup (filesystem → NDN) and restore
// (NDN → filesystem) engines. The two backup tasks coordinate only
// through the item store and the one-slot signal in this file.
package pipeline

import (
	"context"
	"sync"
)

// Signal is a one-slot wake-up between the scanner and the transfer
// task. Notifications coalesce: many Notify calls before a Wait are
// observed as one wake, after which the waiter drains work through
// store queries. Finish is sticky, so no signal is lost once the
// scanner is done.
type Signal struct {
	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// NewSignal creates an idle signal.
func NewSignal() *Signal {
	return &Signal{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Notify wakes the waiter; a pending wake absorbs the call.
func (s *Signal) Notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Finish marks the producer as done. Idempotent.
func (s *Signal) Finish() {
	s.once.Do(func() { close(s.done) })
}

// Finished reports whether Finish was called.
func (s *Signal) Finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Wait blocks until a wake, producer finish, or context cancellation.
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.wake:
		return nil
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
