package credentials

import (
	"context"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// MemoryStore is a process-local TokenStore for the native binary. Expired
// entries are never returned; they are dropped lazily on access.
type MemoryStore struct {
	cache *ttlcache.Cache[string, string]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cache: ttlcache.New[string, string](
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, error) {
	item := m.cache.Get(key)
	if item == nil || item.IsExpired() {
		return "", ErrNotFound
	}
	return item.Value(), nil
}

// Put stores value for ttl. A non-positive ttl removes the key, since
// ttlcache would otherwise treat it as "never expires".
func (m *MemoryStore) Put(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		m.cache.Delete(key)
		return nil
	}
	m.cache.Set(key, value, ttl)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.cache.Delete(key)
	return nil
}
