package server

import (
	"net/http"
	"strings"
	"time"
)

// adminMiddleware checks for valid admin API key from either
// 'Authorization: Bearer <key>' or 'X-API-Key: <key>' headers.
func (s *Server) adminMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		adminKey := s.cfg.Server.AdminAPIKey
		if adminKey == "" {
			s.logger.Error().Msg("ADMIN_API_KEY not configured")
			http.Error(w, "Admin API not configured", http.StatusInternalServerError)
			return
		}

		var providedToken string
		authHeader := r.Header.Get("Authorization")
		xAPIKeyHeader := r.Header.Get("X-API-Key")

		if authHeader != "" {
			// Expect "Bearer <token>" format, case-insensitive
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				s.logger.Warn().
					Str("method", r.Method).
					Str("uri", r.RequestURI).
					Str("remote_addr", r.RemoteAddr).
					Msg("Invalid Authorization header format for admin endpoint")
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}
			providedToken = parts[1]
		} else if xAPIKeyHeader != "" {
			providedToken = xAPIKeyHeader
		} else {
			s.logger.Warn().
				Str("method", r.Method).
				Str("uri", r.RequestURI).
				Str("remote_addr", r.RemoteAddr).
				Msg("Missing required Authorization or X-API-Key header for admin endpoint")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		if providedToken != adminKey {
			s.logger.Warn().
				Str("method", r.Method).
				Str("uri", r.RequestURI).
				Str("remote_addr", r.RemoteAddr).
				Msg("Invalid admin API key provided")
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		s.logger.Info().
			Str("method", r.Method).
			Str("uri", r.RequestURI).
			Str("remote_addr", r.RemoteAddr).
			Msg("Admin request authorized")

		next(w, r)
	}
}

type tokenStatus struct {
	Cached       bool   `json:"cached"`
	TokenPreview string `json:"token_preview,omitempty"`
}

// tokenStatusHandler handles GET /admin/token/status
func (s *Server) tokenStatusHandler(w http.ResponseWriter, r *http.Request) {
	token, ok := s.tokens.Cached(r.Context())
	status := tokenStatus{Cached: ok}
	if ok {
		status.TokenPreview = previewToken(token)
	}
	s.writeJSON(w, http.StatusOK, status)
}

// tokenRefreshHandler handles POST /admin/token/refresh by minting a new
// token regardless of what is cached.
func (s *Server) tokenRefreshHandler(w http.ResponseWriter, r *http.Request) {
	tok, err := s.tokens.Refresh(r.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("❌ Admin token refresh failed")
		s.writeError(w, http.StatusBadGateway, "credential_error", err.Error())
		return
	}

	s.logger.Info().Time("expires_at", tok.ExpiresAt).Msg("✅ Token refreshed via admin endpoint")
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "success",
		"expires_at": tok.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// previewToken keeps enough of a token to tell two apart in logs.
func previewToken(token string) string {
	if len(token) <= 12 {
		return strings.Repeat("*", len(token))
	}
	return token[:8] + "..." + token[len(token)-4:]
}
