//go:build js && wasm

package server

import "net/http"

// NewHTTPClient returns a client for Cloudflare Workers. net/http routes
// through the runtime's fetch on js/wasm and the runtime enforces its own
// request limits, so no timeout is set here.
func NewHTTPClient() HTTPClient {
	return &http.Client{}
}
