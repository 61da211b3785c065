//go:build !js || !wasm

package app

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/dvcrn/coze-proxy/internal/config"
	"github.com/dvcrn/coze-proxy/internal/credentials"
)

// NewTokenStore returns the token cache named by cfg.TokenCache.Backend.
func NewTokenStore(ctx context.Context, cfg *config.Config) (credentials.TokenStore, error) {
	switch cfg.TokenCache.Backend {
	case "", "memory":
		return credentials.NewMemoryStore(), nil
	case "dynamodb":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		store, err := credentials.NewDynamoDBStore(dynamodb.NewFromConfig(awsCfg), cfg.TokenCache.DynamoDBTable)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "kv":
		return nil, fmt.Errorf("the kv token cache is only available in the Worker build")
	default:
		return nil, fmt.Errorf("unknown token cache backend %q", cfg.TokenCache.Backend)
	}
}

// NewKeySource returns where the signing key is read from: the config, a
// key file, an SSM parameter, the environment, or the default key path.
func NewKeySource(ctx context.Context, cfg *config.Config) (credentials.PrivateKeySource, error) {
	if param := cfg.Coze.OAuth.PrivateKeySSMParam; param != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		src, err := credentials.NewSSMKeySource(ssm.NewFromConfig(awsCfg), param)
		if err != nil {
			return nil, err
		}
		return src, nil
	}
	if src, ok := sharedKeySource(cfg); ok {
		return src, nil
	}
	path := credentials.DefaultKeyPath()
	if path == "" || !credentials.FileExists(path) {
		return nil, fmt.Errorf("no private key configured; set %s, coze.oauth.private_key_file or run 'coze-proxy key init'", config.EnvPrivateKey)
	}
	return credentials.NewFSKeySource(path), nil
}
