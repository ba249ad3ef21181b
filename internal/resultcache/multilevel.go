package resultcache

import (
	"context"
	"time"
)

// MultiLevelCache implements the full three-tier VM result cache (§4.7):
// L1 in-memory, L2 disk, and an optional L3 remote store. Lookups walk
// L1 -> L2 -> L3 and promote on hit (an L3 hit populates L2 and L1; an L2
// hit populates L1). Writes go to every configured level.
type MultiLevelCache struct {
	l1    *InMemoryCache
	l2    Cache
	l3    RemoteCache // nil when no remote tier is configured
	l1TTL time.Duration
	l2TTL time.Duration
}

// NewMultiLevelCache wires an L1/L2/L3 cache. l3 may be nil.
func NewMultiLevelCache(l1 *InMemoryCache, l2 Cache, l3 RemoteCache, l1TTL, l2TTL time.Duration) *MultiLevelCache {
	if l1TTL <= 0 {
		l1TTL = 10 * time.Second
	}
	return &MultiLevelCache{l1: l1, l2: l2, l3: l3, l1TTL: l1TTL, l2TTL: l2TTL}
}

func (m *MultiLevelCache) Get(ctx context.Context, key string) ([]byte, error) {
	if val, err := m.l1.Get(ctx, key); err == nil {
		return val, nil
	}

	if val, err := m.l2.Get(ctx, key); err == nil {
		_ = m.l1.Set(ctx, key, val, m.l1TTL)
		return val, nil
	}

	if m.l3 != nil {
		if val, found, err := m.l3.Get(ctx, key); err == nil && found {
			_ = m.l2.Set(ctx, key, val, m.l2TTL)
			_ = m.l1.Set(ctx, key, val, m.l1TTL)
			return val, nil
		}
	}

	return nil, ErrNotFound
}

// Set writes through to every configured level.
func (m *MultiLevelCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_ = m.l1.Set(ctx, key, value, m.l1TTL)
	if err := m.l2.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if m.l3 != nil {
		return m.l3.Put(ctx, key, value)
	}
	return nil
}

func (m *MultiLevelCache) Delete(ctx context.Context, key string) error {
	_ = m.l1.Delete(ctx, key)
	return m.l2.Delete(ctx, key)
}

func (m *MultiLevelCache) Exists(ctx context.Context, key string) (bool, error) {
	if ok, err := m.l1.Exists(ctx, key); err == nil && ok {
		return true, nil
	}
	return m.l2.Exists(ctx, key)
}

func (m *MultiLevelCache) Ping(ctx context.Context) error {
	if err := m.l1.Ping(ctx); err != nil {
		return err
	}
	return m.l2.Ping(ctx)
}

func (m *MultiLevelCache) Close() error {
	_ = m.l1.Close()
	return m.l2.Close()
}
