package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// GrantTypeJWTBearer is the grant used to trade a signed assertion for a token.
	GrantTypeJWTBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"
	// CacheKey is the shared cache entry holding the current bearer token.
	CacheKey = "coze_token"
	// TokenExpiryBuffer is subtracted from the reported lifetime before caching
	// so no reader ever receives a token that is about to expire.
	TokenExpiryBuffer = 600 * time.Second
)

// HTTPClient is the subset of *http.Client the exchange needs.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// ExchangeAssertion trades a signed assertion for an access token.
func ExchangeAssertion(ctx context.Context, client HTTPClient, tokenURL, assertion string, durationSeconds int) (*TokenResponse, error) {
	jsonData, err := json.Marshal(TokenRequest{
		DurationSeconds: durationSeconds,
		GrantType:       GrantTypeJWTBearer,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+assertion)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token exchange failed with status %d: %s", resp.StatusCode, string(body))
	}

	var tokenResp TokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, fmt.Errorf("token response has no access_token: %s", string(body))
	}
	return &tokenResp, nil
}

// absoluteExpiryThreshold separates relative lifetimes from Unix timestamps
// in expires_in. No token lives for 30 years.
const absoluteExpiryThreshold = 1_000_000_000

// lifetime normalizes expires_in to a duration from now.
func lifetime(expiresIn int64, now time.Time) time.Duration {
	if expiresIn > absoluteExpiryThreshold {
		return time.Unix(expiresIn, 0).Sub(now)
	}
	return time.Duration(expiresIn) * time.Second
}
