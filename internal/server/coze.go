package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/dvcrn/coze-proxy/internal/apperr"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

const (
	cozeChatPath         = "/v3/chat"
	cozeChatRetrievePath = "/v3/chat/retrieve"
	cozeChatMessagePath  = "/v3/chat/message/list"
	cozeUploadPath       = "/v1/files/upload"
)

// shapeCheck lists top-level fields a 2xx response must carry with the
// given values before it is accepted.
type shapeCheck map[string]any

// codeZero is the success marker of every Coze API envelope.
var codeZero = shapeCheck{"code": 0}

func (c shapeCheck) matches(body []byte) bool {
	for key, want := range c {
		wantJSON, err := json.Marshal(want)
		if err != nil {
			return false
		}
		got := gjson.GetBytes(body, key)
		if !got.Exists() || got.Raw != string(wantJSON) {
			return false
		}
	}
	return true
}

func (c shapeCheck) String() string {
	b, _ := json.Marshal(map[string]any(c))
	return string(b)
}

// fetchResult is the outcome of a backend call that must never fail the
// client request. It is serialized verbatim into completion content when
// the call did not succeed.
type fetchResult struct {
	Success bool            `json:"success"`
	Msg     string          `json:"msg"`
	Body    json.RawMessage `json:"body"`

	err error
}

func (f fetchResult) get(path string) gjson.Result {
	return gjson.GetBytes(f.Body, path)
}

func failedFetch(kind apperr.Kind, msg string, cause error) fetchResult {
	return fetchResult{Msg: msg, err: apperr.New(kind, msg, cause)}
}

// fetch performs req and classifies the response. A non-2xx status or
// transport error is an upstream failure, a 2xx whose body does not satisfy
// check is a shape failure. Non-JSON bodies are wrapped as {"text": body}.
func fetch(client HTTPClient, req *http.Request, check shapeCheck) fetchResult {
	resp, err := client.Do(req)
	if err != nil {
		return failedFetch(apperr.KindUpstreamHTTP, "Error: "+err.Error(), err)
	}
	defer resp.Body.Close()

	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return failedFetch(apperr.KindUpstreamHTTP, "Error: "+err.Error(), err)
	}
	if resp.StatusCode/100 != 2 {
		return failedFetch(apperr.KindUpstreamHTTP, fmt.Sprintf("Error: status code %s, %s", resp.Status, text), nil)
	}

	body := text
	if !gjson.ValidBytes(body) {
		body, _ = json.Marshal(map[string]string{"text": string(text)})
	}
	if !check.matches(body) {
		return failedFetch(apperr.KindShapeValidation, fmt.Sprintf("Error: checkKV failed, %s, %s", check, text), nil)
	}
	return fetchResult{Success: true, Body: body}
}

// cozeClient speaks the Coze v3 chat API and the v1 file API.
type cozeClient struct {
	httpClient HTTPClient
	baseURL    string
	logger     zerolog.Logger
}

func newCozeClient(httpClient HTTPClient, baseURL string, logger zerolog.Logger) *cozeClient {
	return &cozeClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
	}
}

func (c *cozeClient) authorize(req *http.Request, token string) {
	req.Header.Set("Authorization", "Bearer "+token)

	c.logger.Debug().
		Str("method", req.Method).
		Str("url", req.URL.Path).
		Str("authorization_preview", "Bearer "+previewToken(token)).
		Msg("Upstream request headers (sanitized)")
}

// CreateChat submits a chat and returns the raw response, which is an SSE
// stream when req.Stream is set and a chat envelope otherwise.
func (c *cozeClient) CreateChat(ctx context.Context, token string, req CozeChatRequest) (*http.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+cozeChatPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq, token)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, apperr.New(apperr.KindUpstreamHTTP, "failed to send chat request", err)
	}
	return resp, nil
}

func (c *cozeClient) chatQuery(ctx context.Context, path, token string, h ChatHandle) fetchResult {
	q := url.Values{}
	q.Set("conversation_id", h.ConversationID)
	q.Set("chat_id", h.ChatID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path+"?"+q.Encode(), nil)
	if err != nil {
		return failedFetch(apperr.KindUpstreamHTTP, "Error: "+err.Error(), err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req, token)
	return fetch(c.httpClient, req, codeZero)
}

func (c *cozeClient) RetrieveChat(ctx context.Context, token string, h ChatHandle) fetchResult {
	return c.chatQuery(ctx, cozeChatRetrievePath, token, h)
}

func (c *cozeClient) ListMessages(ctx context.Context, token string, h ChatHandle) fetchResult {
	return c.chatQuery(ctx, cozeChatMessagePath, token, h)
}

// UploadFile posts data as multipart field "file". Success additionally
// requires a file id in the response.
func (c *cozeClient) UploadFile(ctx context.Context, token, filename string, data []byte) fetchResult {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err == nil {
		_, err = part.Write(data)
	}
	if err == nil {
		err = mw.Close()
	}
	if err != nil {
		return failedFetch(apperr.KindUpstreamHTTP, "Error: "+err.Error(), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+cozeUploadPath, &buf)
	if err != nil {
		return failedFetch(apperr.KindUpstreamHTTP, "Error: "+err.Error(), err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	c.authorize(req, token)

	res := fetch(c.httpClient, req, codeZero)
	if res.Success && res.get("data.id").String() == "" {
		return failedFetch(apperr.KindShapeValidation, "Error: upload response has no data.id, "+string(res.Body), nil)
	}
	return res
}

// boundChat adapts cozeClient to chatStatusSource for a single token.
type boundChat struct {
	client *cozeClient
	token  string
}

func (b boundChat) RetrieveChat(ctx context.Context, h ChatHandle) fetchResult {
	return b.client.RetrieveChat(ctx, b.token, h)
}

func (b boundChat) ListMessages(ctx context.Context, h ChatHandle) fetchResult {
	return b.client.ListMessages(ctx, b.token, h)
}
