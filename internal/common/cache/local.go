package cache

import (
	"context"
	"sync"
	"time"
)

// LocalLocker implements Locker inside one process. It is used when no
// Redis address is configured and only a single processor runs per host.
type LocalLocker struct {
	mu    sync.Mutex
	held  map[string]time.Time
	clock func() time.Time
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{
		held:  make(map[string]time.Time),
		clock: time.Now,
	}
}

func (l *LocalLocker) Ping(ctx context.Context) error {
	return nil
}

func (l *LocalLocker) Close() error {
	return nil
}

func (l *LocalLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	if expiresAt, ok := l.held[key]; ok && (expiresAt.IsZero() || now.Before(expiresAt)) {
		return false, nil
	}
	l.held[key] = expiry(now, ttl)
	return true, nil
}

func (l *LocalLocker) Unlock(ctx context.Context, key string) error {
	l.mu.Lock()
	delete(l.held, key)
	l.mu.Unlock()
	return nil
}

func (l *LocalLocker) ExtendLock(ctx context.Context, key string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		l.held[key] = expiry(l.clock(), ttl)
	}
	return nil
}

// zero ttl means the lock never expires, matching SETNX without EX
func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
