package auth

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AssertionLifetime is how long a signed assertion stays valid.
const AssertionLifetime = 600 * time.Second

// ParsePrivateKey decodes a PEM encoded RSA key in PKCS#8 or PKCS#1 form.
func ParsePrivateKey(pemBytes []byte) (*rsa.PrivateKey, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}

// AssertionClaims identifies the app the assertion is issued for.
type AssertionClaims struct {
	AppID    string
	KeyID    string
	Audience string
}

// SignAssertion builds the RS256 JWT presented to the token endpoint. Coze
// expects aud as a plain string, so the claims are a map rather than
// jwt.RegisteredClaims, which always encodes aud as an array.
func SignAssertion(key *rsa.PrivateKey, c AssertionClaims, now time.Time, nonce string) (string, error) {
	iat := now.Unix()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": c.AppID,
		"aud": c.Audience,
		"iat": iat,
		"exp": iat + int64(AssertionLifetime/time.Second),
		"jti": nonce,
	})
	token.Header["kid"] = c.KeyID

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("failed to sign assertion: %w", err)
	}
	return signed, nil
}
