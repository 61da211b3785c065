package credentials

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// ssmAPI is the minimal AWS SSM interface required by SSMKeySource.
// *ssm.Client satisfies it.
type ssmAPI interface {
	GetParameter(ctx context.Context, in *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// SSMKeySource reads the PEM private key from a SecureString parameter.
type SSMKeySource struct {
	api  ssmAPI
	name string
}

func NewSSMKeySource(api ssmAPI, name string) (*SSMKeySource, error) {
	if api == nil {
		return nil, errors.New("credentials: ssm api must not be nil")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("credentials: ssm parameter name is required")
	}
	return &SSMKeySource{api: api, name: name}, nil
}

func (s *SSMKeySource) PrivateKeyPEM(ctx context.Context) ([]byte, error) {
	withDecryption := true
	out, err := s.api.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &s.name,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		return nil, fmt.Errorf("credentials: get parameter %q: %w", s.name, err)
	}
	if out == nil || out.Parameter == nil || out.Parameter.Value == nil {
		return nil, errors.New("credentials: parameter missing value")
	}
	return []byte(*out.Parameter.Value), nil
}
