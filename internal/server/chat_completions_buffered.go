package server

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	finishReasonStop      = "stop"
	finishReasonToolCalls = "tool_calls"
)

func newCompletionID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// newChatCompletion returns the completion every non-streaming path fills
// in: a single assistant choice with null content and zeroed usage.
func newChatCompletion(id string, created time.Time, model string) *ChatCompletionResponse {
	return &ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created.Unix(),
		Model:   model,
		Choices: []ChatCompletionChoice{{
			Index: 0,
			Message: AssistantMessage{
				Role:    "assistant",
				Content: json.RawMessage("null"),
			},
			FinishReason: finishReasonStop,
		}},
		Usage: Usage{
			PromptTokensDetails:     &PromptTokensDetails{},
			CompletionTokensDetails: &CompletionTokensDetails{},
		},
	}
}

func (c *ChatCompletionResponse) message() *AssistantMessage {
	return &c.Choices[0].Message
}

// setText stores s as the assistant content.
func (c *ChatCompletionResponse) setText(s string) {
	b, _ := json.Marshal(s)
	c.message().Content = b
}

// setJSONText stores v re-encoded as a JSON string, the way diagnostics are
// surfaced to clients.
func (c *ChatCompletionResponse) setJSONText(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		c.setText(err.Error())
		return
	}
	c.setText(string(b))
}

// setRawContent stores raw as the content when it is valid JSON and as a
// string otherwise.
func (c *ChatCompletionResponse) setRawContent(raw string) {
	if json.Valid([]byte(raw)) {
		c.message().Content = json.RawMessage(raw)
		return
	}
	c.setText(raw)
}

// TextContent returns the assistant content when it is a JSON string.
func (c *ChatCompletionResponse) TextContent() (string, bool) {
	var s string
	if err := json.Unmarshal(c.message().Content, &s); err != nil {
		return "", false
	}
	return s, true
}
