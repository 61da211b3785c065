package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dvcrn/coze-proxy/internal/apperr"
	"github.com/dvcrn/coze-proxy/internal/auth"
	"github.com/dvcrn/coze-proxy/internal/config"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// sseFlushWriter wraps a ResponseWriter to flush after each write.
type sseFlushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw sseFlushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if err == nil {
		fw.f.Flush()
	}
	return n, err
}

// HTTPClient is an interface for making HTTP requests
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// TokenSource hands out Coze bearer tokens.
type TokenSource interface {
	GetToken(ctx context.Context) (auth.Token, error)
	Refresh(ctx context.Context) (auth.Token, error)
	Cached(ctx context.Context) (string, bool)
}

type Server struct {
	cfg        *config.Config
	tokens     TokenSource
	httpClient HTTPClient
	coze       *cozeClient
	uploads    *UploadRouter
	poller     *Poller
	mux        *http.ServeMux
	logger     zerolog.Logger

	now   func() time.Time
	newID func() string
}

type Option func(*Server)

// WithHTTPClient replaces the client used for every outbound call.
func WithHTTPClient(c HTTPClient) Option {
	return func(s *Server) { s.httpClient = c }
}

func New(logger zerolog.Logger, cfg *config.Config, tokens TokenSource, opts ...Option) *Server {
	s := &Server{
		cfg:        cfg,
		tokens:     tokens,
		httpClient: NewHTTPClient(),
		mux:        http.NewServeMux(),
		logger:     logger,
		now:        time.Now,
		newID:      newCompletionID,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.coze = newCozeClient(s.httpClient, cfg.Coze.APIBase, logger)
	s.uploads = NewUploadRouter(s.coze, s.httpClient, cfg.Upload, logger)
	s.poller = NewPoller(logger)

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /v1/chat/completions", s.apiKeyMiddleware(s.chatCompletionsHandler))
	s.mux.HandleFunc("POST /v1/completions", s.apiKeyMiddleware(s.completionsHandler))
	s.mux.HandleFunc("POST /v1/images/generations", s.apiKeyMiddleware(s.imageGenerationsHandler))
	s.mux.HandleFunc("GET /v1/models", s.apiKeyMiddleware(s.modelsHandler))
	s.mux.HandleFunc("GET /v1/models/{id...}", s.apiKeyMiddleware(s.modelHandler))
	s.mux.HandleFunc("GET /health", s.healthHandler)
	s.mux.HandleFunc("GET /admin/token/status", s.adminMiddleware(s.tokenStatusHandler))
	s.mux.HandleFunc("POST /admin/token/refresh", s.adminMiddleware(s.tokenRefreshHandler))
	s.mux.HandleFunc("/", s.notFoundHandler)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.loggingMiddleware(s.corsMiddleware(s.mux)).ServeHTTP(w, r)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		s.logger.Info().
			Str("method", r.Method).
			Str("uri", r.RequestURI).
			Str("remote_addr", r.RemoteAddr).
			Str("user_agent", r.UserAgent()).
			Msg("Incoming request")
		next.ServeHTTP(w, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("uri", r.RequestURI).
			Dur("duration", time.Since(start)).
			Msg("Finished request")
	})
}

// corsMiddleware allows any origin and answers preflight requests directly.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "*")
		h.Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// apiKeyMiddleware rejects requests without an Authorization header. When
// a proxy key is configured the bearer value must match it.
func (s *Server) apiKeyMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Not allowed", http.StatusForbidden)
			return
		}
		if want := s.cfg.Server.APIKey; want != "" {
			token, ok := bearerToken(authHeader)
			if !ok || token != want {
				s.logger.Warn().
					Str("method", r.Method).
					Str("uri", r.RequestURI).
					Str("remote_addr", r.RemoteAddr).
					Msg("Invalid proxy API key provided")
				s.writeError(w, http.StatusUnauthorized, "invalid_request_error", "Invalid API key")
				return
			}
		}
		next(w, r)
	}
}

func bearerToken(header string) (string, bool) {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return strings.TrimSpace(parts[1]), true
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status": "ok"}`))
}

func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn().
		Str("method", r.Method).
		Str("uri", r.RequestURI).
		Str("remote_addr", r.RemoteAddr).
		Str("user_agent", r.UserAgent()).
		Msg("Unhandled route")
	http.NotFound(w, r)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, errType, message string) {
	s.writeJSON(w, status, errorBody{Error: errorDetail{Message: message, Type: errType}})
}

// writeAppError maps an error raised before a backend chat exists onto an
// HTTP failure.
func (s *Server) writeAppError(w http.ResponseWriter, err error) {
	if errors.Is(err, errUploadFailed) {
		s.logger.Error().Err(err).Msg("Upload failed")
		http.Error(w, "Error: upload file failed", http.StatusInternalServerError)
		return
	}
	switch apperr.KindOf(err) {
	case apperr.KindMalformedRequest:
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
	case apperr.KindCredential:
		s.logger.Error().Err(err).Msg("Failed to obtain Coze token")
		s.writeError(w, http.StatusBadGateway, "credential_error", err.Error())
	case apperr.KindUpstreamHTTP, apperr.KindShapeValidation:
		s.logger.Error().Err(err).Msg("Error making request to Coze")
		s.writeError(w, http.StatusBadGateway, "upstream_error", err.Error())
	default:
		s.logger.Error().Err(err).Msg("Request failed")
		s.writeError(w, http.StatusInternalServerError, "server_error", err.Error())
	}
}

func decodeChatRequest(body []byte) (*ChatCompletionRequest, error) {
	var req ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return nil, ae
		}
		return nil, apperr.New(apperr.KindMalformedRequest, "failed to parse request body", err)
	}
	if req.Messages == nil {
		return nil, apperr.New(apperr.KindMalformedRequest, "messages is required", nil)
	}
	return &req, nil
}

func (s *Server) chatCompletionsHandler(w http.ResponseWriter, r *http.Request) {
	requestBodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		s.logger.Error().Err(err).Msg("Error reading request body")
		http.Error(w, "Failed to read request body", http.StatusInternalServerError)
		return
	}
	defer r.Body.Close()

	req, err := decodeChatRequest(requestBodyBytes)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Rejecting malformed chat request")
		s.writeAppError(w, err)
		return
	}

	bot, ok := s.cfg.Bots.Resolve(req.Model)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", "model not configured: "+req.Model)
		return
	}
	if bot.PassThrough() {
		s.passThroughHandler(w, r, bot, requestBodyBytes, req.Stream, chatCompletionsPath)
		return
	}

	s.logger.Info().
		Str("model", req.Model).
		Str("bot_id", bot.BotID).
		Int("message_count", len(req.Messages)).
		Bool("stream", req.Stream).
		Msg("Processing chat completion request")

	resp, token, err := s.openChat(r.Context(), req, bot)
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	if req.Stream {
		s.streamChat(w, resp, req)
		return
	}

	intent := intentAnswer
	if req.Model == "dall-e-3" {
		intent = intentToolResponse
	}
	outcome, err := s.finishChat(r.Context(), resp, token, req.Model, intent)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Chat polling aborted")
		return
	}
	s.writeOutcome(w, outcome)
}

// openChat normalizes the request and creates the backend chat, refreshing
// the token once if Coze rejects it.
func (s *Server) openChat(ctx context.Context, req *ChatCompletionRequest, bot config.Bot) (*http.Response, string, error) {
	tok, err := s.tokens.GetToken(ctx)
	if err != nil {
		return nil, "", err
	}
	token := tok.Value

	upload := func(ctx context.Context, dataURL string) UploadResult {
		return s.uploads.Upload(ctx, token, dataURL)
	}
	systemPrompt, history, err := normalizeMessages(ctx, req.Messages, upload)
	if err != nil {
		return nil, "", err
	}
	cozeReq := buildCozeChatRequest(bot, s.cfg.Coze.UserID, req.Stream, systemPrompt, history)

	resp, err := s.coze.CreateChat(ctx, token, cozeReq)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, token, nil
	}

	s.logger.Warn().Msg("Received 401 Unauthorized, attempting token refresh...")
	resp.Body.Close()

	tok, err = s.tokens.Refresh(ctx)
	if err != nil {
		return nil, "", err
	}
	token = tok.Value

	s.logger.Info().Msg("Successfully refreshed token, retrying request...")
	resp, err = s.coze.CreateChat(ctx, token, cozeReq)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		s.logger.Error().Msg("Still received 401 after token refresh, giving up")
	}
	return resp, token, nil
}

func (s *Server) streamChat(w http.ResponseWriter, resp *http.Response, req *ChatCompletionRequest) {
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		s.logger.Warn().
			Int("status_code", resp.StatusCode).
			Str("content_type", resp.Header.Get("Content-Type")).
			Msg("Received error response from Coze, relaying it as content")
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var out io.Writer = w
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
		out = sseFlushWriter{w: w, f: flusher}
	} else {
		s.logger.Warn().Msg("ResponseWriter does not support flushing - streaming may be buffered")
	}

	rf := NewReframer(req.Model, req.includeUsage(), s.logger)
	rf.now = s.now
	rf.newID = s.newID
	if err := rf.Reframe(resp.Body, out); err != nil {
		s.logger.Error().Err(err).Msg("Error reframing SSE stream")
	}
}

// chatOutcome is either a completion or, when Coze refused to create the
// chat, the raw upstream response to relay.
type chatOutcome struct {
	completion *ChatCompletionResponse

	status int
	header http.Header
	body   []byte
}

// finishChat turns a non-streaming create response into an outcome. The only
// error it returns is the request context ending.
func (s *Server) finishChat(ctx context.Context, resp *http.Response, token, model string, intent pollIntent) (*chatOutcome, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		// The chat may already exist upstream, so the failure is reported
		// as a completion rather than dropped.
		res := failedFetch(apperr.KindUpstreamHTTP, "Error: "+err.Error(), err)
		s.logger.Error().Err(res.err).Msg("Failed to read chat creation response")
		completion := newChatCompletion(s.newID(), s.now(), model)
		completion.setJSONText(res)
		return &chatOutcome{completion: completion}, nil
	}
	if resp.StatusCode != http.StatusOK {
		s.logger.Warn().
			Int("status_code", resp.StatusCode).
			Str("response_body", string(body)).
			Msg("Received error response from Coze")
		return &chatOutcome{status: resp.StatusCode, header: resp.Header, body: body}, nil
	}

	completion := newChatCompletion(s.newID(), s.now(), model)
	if !codeZero.matches(body) {
		s.logger.Warn().Str("response_body", string(body)).Msg("Coze rejected chat creation")
		completion.setText(string(body))
		return &chatOutcome{completion: completion}, nil
	}

	handle := ChatHandle{
		ConversationID: gjson.GetBytes(body, "data.conversation_id").String(),
		ChatID:         gjson.GetBytes(body, "data.id").String(),
	}
	src := boundChat{client: s.coze, token: token}
	if err := s.poller.Poll(ctx, src, handle, intent, completion); err != nil {
		return nil, err
	}
	return &chatOutcome{completion: completion}, nil
}

func (s *Server) writeOutcome(w http.ResponseWriter, o *chatOutcome) {
	if o.completion != nil {
		s.writeJSON(w, http.StatusOK, o.completion)
		return
	}
	relayHeaders(w.Header(), o.header)
	w.Header().Del("Content-Length")
	w.WriteHeader(o.status)
	if _, err := w.Write(o.body); err != nil {
		s.logger.Error().Err(err).Msg("Error writing error response body to client")
	}
}

// relayHeaders copies upstream response headers except the CORS ones, which
// corsMiddleware already set.
func relayHeaders(dst, src http.Header) {
	for key, values := range src {
		if strings.HasPrefix(strings.ToLower(key), "access-control-") {
			continue
		}
		for _, value := range values {
			dst.Add(key, value)
		}
	}
}
