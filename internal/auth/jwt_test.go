package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func pkcs8PEM(t *testing.T, key *rsa.PrivateKey) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func TestParsePrivateKey(t *testing.T) {
	key := generateKey(t)

	parsed, err := ParsePrivateKey(pkcs8PEM(t, key))
	require.NoError(t, err)
	assert.True(t, key.Equal(parsed))

	pkcs1 := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	parsed, err = ParsePrivateKey(pkcs1)
	require.NoError(t, err)
	assert.True(t, key.Equal(parsed))

	_, err = ParsePrivateKey([]byte("not a pem"))
	assert.Error(t, err)
}

func TestSignAssertion(t *testing.T) {
	key := generateKey(t)
	now := time.Unix(1_742_469_687, 0)

	signed, err := SignAssertion(key, AssertionClaims{AppID: "1165608857222", KeyID: "kid-1", Audience: "api.coze.com"}, now, "nonce-1")
	require.NoError(t, err)

	parts := strings.Split(signed, ".")
	require.Len(t, parts, 3)
	for _, p := range parts {
		assert.NotContains(t, p, "=")
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	require.NoError(t, err)
	assert.Contains(t, string(payloadJSON), `"aud":"api.coze.com"`)

	parsed, err := jwt.Parse(signed, func(*jwt.Token) (any, error) {
		return &key.PublicKey, nil
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithTimeFunc(func() time.Time { return now }))
	require.NoError(t, err)

	assert.Equal(t, "kid-1", parsed.Header["kid"])
	assert.Equal(t, "JWT", parsed.Header["typ"])

	claims, ok := parsed.Claims.(jwt.MapClaims)
	require.True(t, ok)
	assert.Equal(t, float64(1_742_469_687), claims["iat"])
	assert.Equal(t, float64(1_742_469_687+600), claims["exp"])
	assert.Equal(t, "nonce-1", claims["jti"])
	assert.Equal(t, "api.coze.com", claims["aud"])
	assert.Equal(t, "1165608857222", claims["iss"])
}

func TestSignAssertionRejectedByOtherKey(t *testing.T) {
	key := generateKey(t)
	other := generateKey(t)
	now := time.Unix(1_742_469_687, 0)

	signed, err := SignAssertion(key, AssertionClaims{AppID: "app", KeyID: "kid"}, now, "n")
	require.NoError(t, err)

	_, err = jwt.Parse(signed, func(*jwt.Token) (any, error) {
		return &other.PublicKey, nil
	}, jwt.WithTimeFunc(func() time.Time { return now }))
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)
}
