//go:build !js || !wasm

// Package env resolves configuration values from the process environment,
// or from Worker bindings when running on Cloudflare.
package env

import "os"

// Get returns the value of key and whether it was set.
func Get(key string) (string, bool) {
	return os.LookupEnv(key)
}
