package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dvcrn/coze-proxy/internal/apperr"
)

type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type ChatCompletionRequest struct {
	Model         string         `json:"model"`
	Messages      []ChatMessage  `json:"messages"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *StreamOptions `json:"stream_options,omitempty"`
}

func (r *ChatCompletionRequest) includeUsage() bool {
	return r.StreamOptions != nil && r.StreamOptions.IncludeUsage
}

type ChatMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent is either plain text or an ordered list of parts.
type MessageContent struct {
	Text    string
	Parts   []ContentPart
	IsParts bool
}

func TextContent(s string) MessageContent {
	return MessageContent{Text: s}
}

func PartsContent(parts ...ContentPart) MessageContent {
	return MessageContent{Parts: parts, IsParts: true}
}

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*c = MessageContent{}
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return apperr.New(apperr.KindMalformedRequest, "invalid message content string", err)
		}
		*c = MessageContent{Text: s}
		return nil
	case len(data) > 0 && data[0] == '[':
		var parts []ContentPart
		if err := json.Unmarshal(data, &parts); err != nil {
			return apperr.New(apperr.KindMalformedRequest, "invalid message content parts", err)
		}
		*c = MessageContent{Parts: parts, IsParts: true}
		return nil
	default:
		return apperr.New(apperr.KindMalformedRequest, fmt.Sprintf("message content must be a string or an array, got %.20s", data), nil)
	}
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.IsParts {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// PlainText returns the text, or the text parts joined by newlines.
func (c MessageContent) PlainText() string {
	if !c.IsParts {
		return c.Text
	}
	var texts []string
	for _, p := range c.Parts {
		if p.Type == "text" {
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, "\n")
}

type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

// ContentPart covers the OpenAI part types plus the "image" part Coze
// expects once an inline image has been uploaded.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
	FileID   string    `json:"file_id,omitempty"`
	FileURL  string    `json:"file_url,omitempty"`
}

type ImageGenerationRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Size   string `json:"size,omitempty"`
}

type ImageData struct {
	URL string `json:"url"`
}

type ImageGenerationResponse struct {
	Created int64       `json:"created"`
	Data    []ImageData `json:"data"`
}

// Coze wire types.

const (
	contentTypeText         = "text"
	contentTypeObjectString = "object_string"
)

// BackendTurn is one entry of additional_messages.
type BackendTurn struct {
	Role        string `json:"role"`
	Type        string `json:"type,omitempty"`
	Content     string `json:"content"`
	ContentType string `json:"content_type"`
}

type CozeChatRequest struct {
	BotID              string            `json:"bot_id"`
	UserID             string            `json:"user_id"`
	Stream             bool              `json:"stream"`
	AdditionalMessages []BackendTurn     `json:"additional_messages"`
	AutoSaveHistory    bool              `json:"auto_save_history"`
	CustomVariables    map[string]string `json:"custom_variables"`
}

// ChatHandle identifies one backend chat for polling.
type ChatHandle struct {
	ConversationID string
	ChatID         string
}

// OpenAI response types.

type PromptTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
	AudioTokens  int `json:"audio_tokens"`
}

type CompletionTokensDetails struct {
	ReasoningTokens          int `json:"reasoning_tokens"`
	AudioTokens              int `json:"audio_tokens"`
	AcceptedPredictionTokens int `json:"accepted_prediction_tokens"`
	RejectedPredictionTokens int `json:"rejected_prediction_tokens"`
}

type Usage struct {
	PromptTokens            int                      `json:"prompt_tokens"`
	CompletionTokens        int                      `json:"completion_tokens"`
	TotalTokens             int                      `json:"total_tokens"`
	PromptTokensDetails     *PromptTokensDetails     `json:"prompt_tokens_details,omitempty"`
	CompletionTokensDetails *CompletionTokensDetails `json:"completion_tokens_details,omitempty"`
}

type ChunkDelta struct {
	Content          *string `json:"content,omitempty"`
	ReasoningContent string  `json:"reasoning_content,omitempty"`
}

type ChunkChoice struct {
	Index        int        `json:"index"`
	Delta        ChunkDelta `json:"delta"`
	FinishReason *string    `json:"finish_reason"`
}

type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Usage   *Usage        `json:"usage"`
	Choices []ChunkChoice `json:"choices"`
}

// AssistantMessage.Content is raw JSON: null, a string, or for tool
// responses the decoded tool output.
type AssistantMessage struct {
	Role             string          `json:"role"`
	Content          json.RawMessage `json:"content"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        json.RawMessage `json:"tool_calls,omitempty"`
}

type ChatCompletionChoice struct {
	Index        int              `json:"index"`
	Message      AssistantMessage `json:"message"`
	FinishReason string           `json:"finish_reason"`
}

type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Object  string                 `json:"object"`
	Created int64                  `json:"created"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   Usage                  `json:"usage"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
