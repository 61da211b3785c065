package server

import (
	"bufio"
	"bytes"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/dvcrn/coze-proxy/internal/config"
	"github.com/tidwall/gjson"
)

const (
	chatCompletionsPath = "chat/completions"
	completionsPath     = "completions"
)

// passThroughHandler forwards a request body unchanged to the provider
// configured for the model. path is the OpenAI path below /v1.
func (s *Server) passThroughHandler(w http.ResponseWriter, r *http.Request, bot config.Bot, body []byte, stream bool, path string) {
	target := strings.TrimRight(bot.UpstreamURL, "/") + "/" + path
	if bot.Azure() {
		target = bot.AzureURL(path)
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		s.logger.Error().Err(err).Msg("Error creating pass-through request")
		http.Error(w, "Failed to create request", http.StatusInternalServerError)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if bot.Azure() {
		// Azure deployments authenticate with the caller's own key unless
		// one is configured for the model.
		key := bot.UpstreamKey
		if key == "" {
			key, _ = bearerToken(r.Header.Get("Authorization"))
		}
		req.Header.Set("api-key", key)
	} else {
		req.Header.Set("Authorization", "Bearer "+bot.UpstreamKey)
	}
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}

	s.logger.Info().
		Str("url", target).
		Bool("azure", bot.Azure()).
		Bool("stream", stream).
		Msg("🔄 Forwarding request to pass-through upstream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Error().Err(err).Msg("Error making request to pass-through upstream")
		s.writeError(w, http.StatusBadGateway, "upstream_error", "Failed to make request to upstream API")
		return
	}
	s.writeResponse(w, resp)
}

// completionsHandler serves the legacy completions API, which only
// pass-through models support.
func (s *Server) completionsHandler(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.logger.Error().Err(err).Msg("Error reading request body")
		http.Error(w, "Failed to read request body", http.StatusInternalServerError)
		return
	}
	defer r.Body.Close()

	if !gjson.ValidBytes(body) {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to parse request body")
		return
	}
	model := gjson.GetBytes(body, "model").String()
	bot, ok := s.cfg.Bots.Resolve(model)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", "model not configured: "+model)
		return
	}
	if !bot.PassThrough() {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", "model does not support completions: "+model)
		return
	}
	s.passThroughHandler(w, r, bot, body, gjson.GetBytes(body, "stream").Bool(), completionsPath)
}

// writeResponse relays an upstream response, re-framing event streams so each
// event reaches the client as soon as it is complete.
func (s *Server) writeResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()

	rawContentType := resp.Header.Get("Content-Type")
	mediaType := rawContentType
	if mt, _, err := mime.ParseMediaType(rawContentType); err == nil {
		mediaType = mt
	}
	s.logger.Info().
		Int("status_code", resp.StatusCode).
		Str("content_type", rawContentType).
		Msg("Received response from upstream API")

	relayHeaders(w.Header(), resp.Header)

	isStreaming := resp.StatusCode == http.StatusOK && mediaType == "text/event-stream"
	if !isStreaming {
		w.WriteHeader(resp.StatusCode)
		if _, err := io.Copy(w, resp.Body); err != nil {
			s.logger.Error().Err(err).Msg("Error copying upstream response body")
		}
		return
	}

	w.Header().Del("Content-Length")
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(resp.StatusCode)

	var out io.Writer = w
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
		out = sseFlushWriter{w: w, f: flusher}
	} else {
		s.logger.Warn().Msg("ResponseWriter does not support flushing - streaming may be buffered")
	}

	if err := PassThroughSSEStream(resp.Body, out); err != nil {
		s.logger.Error().Err(err).Msg("Error streaming SSE response")
	}
}

// PassThroughSSEStream copies data events from r to w one complete event at a
// time, dropping comments and non-data fields.
func PassThroughSSEStream(r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	var dataLines [][]byte
	flushEvent := func() error {
		if len(dataLines) == 0 {
			return nil
		}
		raw := bytes.Join(dataLines, []byte("\n"))
		dataLines = dataLines[:0]

		if bytes.Equal(bytes.TrimSpace(raw), []byte("[DONE]")) {
			_, err := w.Write([]byte(doneFrame))
			return err
		}
		if len(raw) == 0 {
			return nil
		}

		frame := make([]byte, 0, len(raw)+8)
		frame = append(frame, "data: "...)
		frame = append(frame, raw...)
		frame = append(frame, frameDelimiter...)
		_, err := w.Write(frame)
		return err
	}

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			if err := flushEvent(); err != nil {
				return err
			}
			continue
		}
		if bytes.HasPrefix(line, []byte(":")) {
			continue
		}
		if bytes.HasPrefix(line, []byte("data:")) {
			payload := bytes.TrimPrefix(line, []byte("data:"))
			// optional single space after the colon
			if len(payload) > 0 && payload[0] == ' ' {
				payload = payload[1:]
			}
			cp := make([]byte, len(payload))
			copy(cp, payload)
			dataLines = append(dataLines, cp)
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return flushEvent()
}
