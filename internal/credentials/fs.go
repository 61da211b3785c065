package credentials

import (
	"context"
	"fmt"
	"os"
)

// FSKeySource reads the PEM private key from disk on every call so a rotated
// key file is picked up without a restart.
type FSKeySource struct {
	Path string
}

func NewFSKeySource(path string) *FSKeySource {
	return &FSKeySource{Path: path}
}

func (f *FSKeySource) PrivateKeyPEM(context.Context) ([]byte, error) {
	b, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key file: %w", err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("private key file %s is empty", f.Path)
	}
	return b, nil
}

// InitKeyFile writes pem to path with owner-only permissions, creating the
// parent directory if needed.
func InitKeyFile(path string, pem []byte) error {
	if err := EnsureParentDir(path); err != nil {
		return err
	}
	if err := os.WriteFile(path, pem, 0600); err != nil {
		return fmt.Errorf("failed to write private key file: %w", err)
	}
	return nil
}
