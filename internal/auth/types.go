package auth

import "time"

// TokenRequest is the body of the JWT-bearer exchange.
type TokenRequest struct {
	DurationSeconds int    `json:"duration_seconds"`
	GrantType       string `json:"grant_type"`
}

// TokenResponse is the OAuth token endpoint response. ExpiresIn is either a
// lifetime in seconds or an absolute Unix timestamp; see lifetime.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type,omitempty"`
}

// Token is a bearer token for the Coze API. ExpiresAt is zero when the token
// came from the shared cache, which tracks expiry on its own.
type Token struct {
	Value     string
	ExpiresAt time.Time
	Cached    bool
}
