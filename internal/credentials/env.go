package credentials

import (
	"context"
	"fmt"
	"strings"

	"github.com/dvcrn/coze-proxy/internal/env"
)

// EnvKeySource reads the PEM private key from an environment variable.
// Escaped "\n" sequences are expanded so single-line secrets work.
type EnvKeySource struct {
	Key string
}

func NewEnvKeySource(key string) *EnvKeySource {
	return &EnvKeySource{Key: key}
}

func (e *EnvKeySource) PrivateKeyPEM(context.Context) ([]byte, error) {
	v, ok := env.Get(e.Key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil, fmt.Errorf("environment variable %s is not set", e.Key)
	}
	return []byte(strings.ReplaceAll(v, `\n`, "\n")), nil
}

// StaticKeySource returns a PEM key already held in memory, such as one read
// from the config file.
type StaticKeySource []byte

func (s StaticKeySource) PrivateKeyPEM(context.Context) ([]byte, error) {
	if len(s) == 0 {
		return nil, fmt.Errorf("private key is empty")
	}
	return []byte(strings.ReplaceAll(string(s), `\n`, "\n")), nil
}
