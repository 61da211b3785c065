//go:build js && wasm

package env

import "github.com/syumai/workers/cloudflare"

// Get returns the Worker binding for key. Bindings cannot be set to an empty
// string, so an empty value is reported as unset.
func Get(key string) (string, bool) {
	v := cloudflare.Getenv(key)
	return v, v != ""
}
