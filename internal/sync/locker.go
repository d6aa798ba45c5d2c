package sync

import (
	"context"
	gosync "sync"
)

// Locker provides non-blocking mutual exclusion per name
type Locker interface {
	TryLock(ctx context.Context, name string) (release func(), acquired bool, err error)
}

// LocalLocker is an in-process Locker
type LocalLocker struct {
	mu   gosync.Mutex
	held map[string]struct{}
}

// NewLocalLocker creates a LocalLocker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

// TryLock implements Locker
func (l *LocalLocker) TryLock(_ context.Context, name string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[name]; busy {
		return nil, false, nil
	}
	l.held[name] = struct{}{}
	var once gosync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, name)
			l.mu.Unlock()
		})
	}, true, nil
}
