package etcd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.etcd.io/etcd/client/v3/concurrency"
)

// DefaultLockTTL is the lease TTL in seconds; a crashed holder loses its lock after it expires
const DefaultLockTTL = 60

// Locker provides cluster-wide non-blocking locks, one per entity type
type Locker struct {
	client *Client
	ttl    int
}

// NewLocker creates a Locker. ttl is the lease TTL in seconds, DefaultLockTTL when not positive.
func NewLocker(client *Client, ttl int) *Locker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &Locker{client: client, ttl: ttl}
}

// LockKey returns the etcd key prefix guarding name
func (l *Locker) LockKey(name string) string {
	return l.client.Prefix() + "locks/" + name
}

// TryLock acquires the lock for name without waiting. When another holder owns it,
// acquired is false and err is nil. The returned release function must be called once.
func (l *Locker) TryLock(ctx context.Context, name string) (release func(), acquired bool, err error) {
	session, err := concurrency.NewSession(l.client.Raw(), concurrency.WithTTL(l.ttl))
	if err != nil {
		return nil, false, fmt.Errorf("failed to create etcd session: %w", err)
	}
	mutex := concurrency.NewMutex(session, l.LockKey(name))
	if err := mutex.TryLock(ctx); err != nil {
		_ = session.Close()
		if errors.Is(err, concurrency.ErrLocked) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to lock %s: %w", name, err)
	}

	logger := logrus.WithField("lock", l.LockKey(name))
	logger.Debug("Acquired lock")
	return func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := mutex.Unlock(unlockCtx); err != nil {
			logger.WithError(err).Warn("Failed to release lock")
		}
		_ = session.Close()
	}, true, nil
}
