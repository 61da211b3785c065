//go:build js && wasm

package app

import (
	"context"
	"fmt"

	"github.com/dvcrn/coze-proxy/internal/config"
	"github.com/dvcrn/coze-proxy/internal/credentials"
)

// NewTokenStore returns Workers KV for the kv backend and an isolate-local
// cache otherwise.
func NewTokenStore(ctx context.Context, cfg *config.Config) (credentials.TokenStore, error) {
	switch cfg.TokenCache.Backend {
	case "kv":
		store, err := credentials.NewCloudflareKVStore()
		if err != nil {
			return nil, err
		}
		return store, nil
	case "", "memory":
		return credentials.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("token cache backend %q is not available in the Worker build", cfg.TokenCache.Backend)
	}
}

// NewKeySource reads the signing key from the config or a Worker secret.
func NewKeySource(ctx context.Context, cfg *config.Config) (credentials.PrivateKeySource, error) {
	if src, ok := sharedKeySource(cfg); ok {
		return src, nil
	}
	return nil, fmt.Errorf("no private key configured; set the %s secret", config.EnvPrivateKey)
}
