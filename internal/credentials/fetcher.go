package credentials

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by TokenStore.Get when no live value exists for a key.
var ErrNotFound = errors.New("credentials: not found")

// TokenStore is the shared cache the token manager reads before minting a new
// bearer token. Implementations enforce TTL expiry themselves; a value whose
// TTL has passed must be reported as ErrNotFound.
type TokenStore interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// PrivateKeySource yields the PEM encoded RSA private key used to sign the
// token assertion.
type PrivateKeySource interface {
	PrivateKeyPEM(ctx context.Context) ([]byte, error)
}
