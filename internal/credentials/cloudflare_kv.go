//go:build js && wasm

package credentials

import (
	"context"
	"fmt"
	"time"

	"github.com/syumai/workers/cloudflare/kv"
)

// KVNamespace is the Worker binding name configured in wrangler.toml.
const KVNamespace = "COZE_KV"

// minKVTTL is the smallest expirationTtl Workers KV accepts.
const minKVTTL = 60 * time.Second

// CloudflareKVStore keeps tokens in Workers KV, which enforces expiry itself.
type CloudflareKVStore struct {
	kvStore *kv.Namespace
}

// NewCloudflareKVStore binds to the KVNamespace namespace.
func NewCloudflareKVStore() (*CloudflareKVStore, error) {
	kvStore, err := kv.NewNamespace(KVNamespace)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize KV namespace: %w", err)
	}
	return &CloudflareKVStore{kvStore: kvStore}, nil
}

func (c *CloudflareKVStore) Get(_ context.Context, key string) (string, error) {
	v, err := c.kvStore.GetString(key, nil)
	if err != nil {
		return "", fmt.Errorf("failed to get %q from KV: %w", key, err)
	}
	if v == "" || v == "<null>" {
		return "", ErrNotFound
	}
	return v, nil
}

func (c *CloudflareKVStore) Put(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl < minKVTTL {
		ttl = minKVTTL
	}
	opts := &kv.PutOptions{ExpirationTTL: int(ttl / time.Second)}
	if err := c.kvStore.PutString(key, value, opts); err != nil {
		return fmt.Errorf("failed to store %q in KV: %w", key, err)
	}
	return nil
}

func (c *CloudflareKVStore) Delete(_ context.Context, key string) error {
	if err := c.kvStore.Delete(key); err != nil {
		return fmt.Errorf("failed to delete %q from KV: %w", key, err)
	}
	return nil
}
