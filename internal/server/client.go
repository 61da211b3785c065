//go:build !js || !wasm

package server

import (
	"net/http"
	"time"
)

// NewHTTPClient creates a new HTTP client for regular environments. The
// timeout covers a full streamed chat, so it is generous.
func NewHTTPClient() HTTPClient {
	return &http.Client{
		Timeout: 5 * time.Minute,
	}
}
