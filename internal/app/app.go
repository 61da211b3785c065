// Package app wires configuration, credential sources and the HTTP server
// together for both the native binary and the Worker build.
package app

import (
	"context"
	"fmt"

	"github.com/dvcrn/coze-proxy/internal/auth"
	"github.com/dvcrn/coze-proxy/internal/config"
	"github.com/dvcrn/coze-proxy/internal/credentials"
	"github.com/dvcrn/coze-proxy/internal/env"
	"github.com/dvcrn/coze-proxy/internal/server"
	"github.com/rs/zerolog"
)

// NewTokenManager builds the token manager for cfg's OAuth app.
func NewTokenManager(cfg *config.Config, store credentials.TokenStore, keys credentials.PrivateKeySource, httpClient server.HTTPClient, logger zerolog.Logger) *auth.TokenManager {
	opts := auth.Options{
		AppID:           cfg.Coze.OAuth.AppID,
		KeyID:           cfg.Coze.OAuth.KeyID,
		Audience:        cfg.Coze.OAuth.Audience,
		TokenURL:        cfg.Coze.OAuth.TokenURL,
		DurationSeconds: cfg.Coze.OAuth.DurationSeconds,
	}
	return auth.NewTokenManager(store, keys, httpClient, opts, logger)
}

// NewServer creates a new server instance that takes its tokens from tokens.
func NewServer(cfg *config.Config, tokens server.TokenSource, httpClient server.HTTPClient, logger zerolog.Logger) *server.Server {
	return server.New(logger, cfg, tokens, server.WithHTTPClient(httpClient))
}

// Build resolves the token store and key source cfg names and returns the
// server together with its token manager.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*server.Server, *auth.TokenManager, error) {
	store, err := NewTokenStore(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create token store: %w", err)
	}
	keys, err := NewKeySource(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create private key source: %w", err)
	}

	httpClient := server.NewHTTPClient()
	tokens := NewTokenManager(cfg, store, keys, httpClient, logger)
	logger.Info().
		Str("token_cache", cfg.TokenCache.Backend).
		Str("app_id", cfg.Coze.OAuth.AppID).
		Strs("models", cfg.Bots.Names()).
		Msg("📦 Gateway configured")
	return NewServer(cfg, tokens, httpClient, logger), tokens, nil
}

// sharedKeySource covers the key sources every build supports. ok is false
// when none of them is configured.
func sharedKeySource(cfg *config.Config) (credentials.PrivateKeySource, bool) {
	oauth := cfg.Coze.OAuth
	switch {
	case oauth.PrivateKey != "":
		return credentials.StaticKeySource(oauth.PrivateKey), true
	case oauth.PrivateKeyFile != "":
		return credentials.NewFSKeySource(oauth.PrivateKeyFile), true
	}
	if v, ok := env.Get(config.EnvPrivateKey); ok && v != "" {
		return credentials.NewEnvKeySource(config.EnvPrivateKey), true
	}
	return nil, false
}
