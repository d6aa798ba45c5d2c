package cache

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Memory is an in-process Cache. expirable.LRU carries a single TTL, so one LRU is kept
// per distinct TTL and a key lives in at most one of them.
type Memory struct {
	mu   sync.Mutex
	size int
	lrus map[time.Duration]*expirable.LRU[string, []byte]
}

// NewMemory creates a cache holding at most size entries per TTL class
func NewMemory(size int) *Memory {
	if size <= 0 {
		size = 10000
	}
	return &Memory{size: size, lrus: make(map[time.Duration]*expirable.LRU[string, []byte])}
}

// Get implements Cache
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.lrus {
		if v, ok := l.Get(key); ok {
			return slices.Clone(v), nil
		}
	}
	return nil, ErrMiss
}

// Set implements Cache. A zero ttl falls back to EntityLookupTTL.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = EntityLookupTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for d, l := range m.lrus {
		if d != ttl {
			l.Remove(key)
		}
	}
	l, ok := m.lrus[ttl]
	if !ok {
		l = expirable.NewLRU[string, []byte](m.size, nil, ttl)
		m.lrus[ttl] = l
	}
	l.Add(key, slices.Clone(value))
	return nil
}

// Forget implements Cache
func (m *Memory) Forget(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.lrus {
		l.Remove(key)
	}
	return nil
}

// Exists implements Cache
func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	_, err := m.Get(ctx, key)
	if err == ErrMiss {
		return false, nil
	}
	return err == nil, err
}
