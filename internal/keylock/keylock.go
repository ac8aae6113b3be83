// Package keylock provides per-target-key mutual exclusion for apply
// paths: the scheduler and the interactive review surface acquire the same
// lock, so at most one application runs per target key at a time.
package keylock

import (
	"context"
	"sync"

	pkgerrors "curator/pkg/errors"
	"curator/pkg/metrics"
)

// Locker hands out non-blocking advisory locks. TryLock returns
// ErrConflict when the key is already held.
type Locker interface {
	TryLock(ctx context.Context, key string) (Lock, error)
}

// Lock is a held advisory lock. Release is idempotent.
type Lock interface {
	Release(ctx context.Context) error
}

// LocalLocker is an in-process keyed lock, used when no Redis is
// configured and in tests. It only excludes callers within one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool)}
}

func (l *LocalLocker) TryLock(_ context.Context, key string) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[key] {
		return nil, pkgerrors.ErrConflict.WithDetail("message", "target key is locked").WithDetail("key", key)
	}
	l.held[key] = true
	metrics.TargetLocksHeld.Inc()

	return &localLock{locker: l, key: key}, nil
}

type localLock struct {
	locker   *LocalLocker
	key      string
	released bool
	mu       sync.Mutex
}

func (l *localLock) Release(_ context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return nil
	}
	l.released = true

	l.locker.mu.Lock()
	delete(l.locker.held, l.key)
	l.locker.mu.Unlock()
	metrics.TargetLocksHeld.Dec()

	return nil
}
