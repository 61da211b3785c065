//go:build js && wasm

package main

import (
	"context"

	"github.com/dvcrn/coze-proxy/internal/app"
	"github.com/dvcrn/coze-proxy/internal/config"
	"github.com/dvcrn/coze-proxy/internal/env"
	"github.com/dvcrn/coze-proxy/internal/logger"
	"github.com/syumai/workers"
)

func main() {
	log := logger.New()

	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration from Worker bindings")
	}
	if _, ok := env.Get("TOKEN_CACHE_BACKEND"); !ok {
		log.Info().Msg("📦 Using Cloudflare KV token cache")
		cfg.TokenCache.Backend = "kv"
	}

	srv, _, err := app.Build(context.Background(), cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build server")
	}

	// Serve using workers - it handles all the HTTP server setup
	workers.Serve(srv)
}
