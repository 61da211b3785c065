package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/dvcrn/coze-proxy/internal/apperr"
	"github.com/dvcrn/coze-proxy/internal/credentials"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options describes the OAuth app the manager mints tokens for.
type Options struct {
	AppID           string
	KeyID           string
	Audience        string
	TokenURL        string
	DurationSeconds int
}

// TokenManager hands out Coze bearer tokens. It trusts any value in the shared
// store and otherwise signs a fresh assertion and exchanges it. Concurrent
// refreshes are not serialized: each writes an equally valid token.
type TokenManager struct {
	store      credentials.TokenStore
	keys       credentials.PrivateKeySource
	httpClient HTTPClient
	opts       Options
	logger     zerolog.Logger

	now   func() time.Time
	nonce func() string
}

func NewTokenManager(store credentials.TokenStore, keys credentials.PrivateKeySource, httpClient HTTPClient, opts Options, logger zerolog.Logger) *TokenManager {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &TokenManager{
		store:      store,
		keys:       keys,
		httpClient: httpClient,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
		nonce:      uuid.NewString,
	}
}

// GetToken returns the cached token or mints a new one. Only a failure to
// mint is returned as an error; cache read failures fall through to minting.
func (m *TokenManager) GetToken(ctx context.Context) (Token, error) {
	cached, err := m.store.Get(ctx, CacheKey)
	switch {
	case err == nil && cached != "":
		return Token{Value: cached, Cached: true}, nil
	case err != nil && !errors.Is(err, credentials.ErrNotFound):
		m.logger.Warn().Err(err).Msg("Token cache read failed, minting a new token")
	}
	return m.mint(ctx)
}

// Refresh drops the cached token and mints a new one, for use after the
// backend rejected the cached one. The rejected token stays evicted even when
// minting fails.
func (m *TokenManager) Refresh(ctx context.Context) (Token, error) {
	m.logger.Info().Msg("🔄 Forcing Coze token refresh")
	if err := m.store.Delete(ctx, CacheKey); err != nil && !errors.Is(err, credentials.ErrNotFound) {
		m.logger.Warn().Err(err).Msg("Failed to evict rejected token from cache")
	}
	return m.mint(ctx)
}

// Cached reports the token currently held by the shared store, if any.
func (m *TokenManager) Cached(ctx context.Context) (string, bool) {
	v, err := m.store.Get(ctx, CacheKey)
	return v, err == nil && v != ""
}

func (m *TokenManager) mint(ctx context.Context) (Token, error) {
	pemBytes, err := m.keys.PrivateKeyPEM(ctx)
	if err != nil {
		return Token{}, apperr.New(apperr.KindCredential, "failed to load signing key", err)
	}
	key, err := ParsePrivateKey(pemBytes)
	if err != nil {
		return Token{}, apperr.New(apperr.KindCredential, "invalid signing key", err)
	}

	now := m.now()
	assertion, err := SignAssertion(key, AssertionClaims{
		AppID:    m.opts.AppID,
		KeyID:    m.opts.KeyID,
		Audience: m.opts.Audience,
	}, now, m.nonce())
	if err != nil {
		return Token{}, apperr.New(apperr.KindCredential, "failed to sign assertion", err)
	}

	resp, err := ExchangeAssertion(ctx, m.httpClient, m.opts.TokenURL, assertion, m.opts.DurationSeconds)
	if err != nil {
		m.logger.Error().Err(err).Msg("❌ Coze token exchange failed")
		return Token{}, apperr.New(apperr.KindCredential, "token exchange failed", err)
	}

	life := lifetime(resp.ExpiresIn, now)
	token := Token{Value: resp.AccessToken, ExpiresAt: now.Add(life)}

	ttl := life - TokenExpiryBuffer
	if ttl <= 0 {
		m.logger.Warn().Dur("lifetime", life).Msg("Token lifetime shorter than expiry buffer, not caching")
		return token, nil
	}
	if err := m.store.Put(ctx, CacheKey, token.Value, ttl); err != nil {
		m.logger.Error().Err(err).Msg("❌ Failed to cache Coze token")
		return token, nil
	}

	m.logger.Info().
		Int64("cache_ttl_seconds", int64(ttl/time.Second)).
		Msg("✅ Coze token minted")
	return token, nil
}
