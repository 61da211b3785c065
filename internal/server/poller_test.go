package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/cenkalti/backoff.v1"
)

type fakeChatSource struct {
	statuses  []fetchResult
	messages  fetchResult
	retrieves int
	lists     int
}

func (f *fakeChatSource) RetrieveChat(ctx context.Context, h ChatHandle) fetchResult {
	i := f.retrieves
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	f.retrieves++
	return f.statuses[i]
}

func (f *fakeChatSource) ListMessages(ctx context.Context, h ChatHandle) fetchResult {
	f.lists++
	return f.messages
}

func okFetch(body string) fetchResult {
	return fetchResult{Success: true, Body: json.RawMessage(body)}
}

func status(s string) fetchResult {
	return okFetch(`{"code":0,"data":{"id":"chat_1","status":"` + s + `","usage":{"token_count":9,"input_count":4,"output_count":5}}}`)
}

type sleepRecorder struct {
	waits []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.waits = append(s.waits, d)
	return ctx.Err()
}

func newTestPoller() (*Poller, *sleepRecorder) {
	rec := &sleepRecorder{}
	p := NewPoller(zerolog.Nop())
	p.sleep = rec.sleep
	return p, rec
}

func newTestCompletion() *ChatCompletionResponse {
	return newChatCompletion("chatcmpl-test", time.Unix(1700000000, 0), "coze-test")
}

func TestPollSchedule(t *testing.T) {
	s := &pollSchedule{maxAttempts: defaultPollAttempts}
	var waits []time.Duration
	for {
		d := s.NextBackOff()
		if d == backoff.Stop {
			break
		}
		waits = append(waits, d)
	}
	require.Len(t, waits, defaultPollAttempts-1)
	for i, d := range waits {
		if i+1 < pollSlowdownAttempt {
			assert.Equal(t, time.Second, d, "wait after attempt %d", i+1)
		} else {
			assert.Equal(t, 2*time.Second, d, "wait after attempt %d", i+1)
		}
	}

	s.Reset()
	assert.Equal(t, time.Second, s.NextBackOff())
}

func TestPollCompletedAnswer(t *testing.T) {
	p, rec := newTestPoller()
	src := &fakeChatSource{
		statuses: []fetchResult{status("in_progress"), status("in_progress"), status("completed")},
		messages: okFetch(`{"code":0,"data":[
			{"type":"verbose","content":"ignored"},
			{"type":"function_call","content":"{\"name\":\"f\"}","reasoning_content":"a"},
			{"type":"answer","content":"Hello","reasoning_content":"b"},
			{"type":"follow_up","content":"ignored"}
		]}`),
	}
	out := newTestCompletion()

	require.NoError(t, p.Poll(context.Background(), src, ChatHandle{ConversationID: "c", ChatID: "chat_1"}, intentAnswer, out))
	assert.Equal(t, 3, src.retrieves)
	assert.Equal(t, 1, src.lists)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, rec.waits)

	text, ok := out.TextContent()
	require.True(t, ok)
	assert.Equal(t, "{\"name\":\"f\"}\nHello", text)
	assert.Equal(t, "ab", out.message().ReasoningContent)
	assert.Equal(t, "stop", out.Choices[0].FinishReason)
	assert.Equal(t, 4, out.Usage.PromptTokens)
	assert.Equal(t, 5, out.Usage.CompletionTokens)
	assert.Equal(t, 9, out.Usage.TotalTokens)
}

func TestPollToolResponse(t *testing.T) {
	p, _ := newTestPoller()
	src := &fakeChatSource{
		statuses: []fetchResult{status("completed")},
		messages: okFetch(`{"code":0,"data":[
			{"type":"function_call","content":"{}"},
			{"type":"tool_response","content":"{\"data_structural\":[{\"image_ori\":{\"url\":\"https://img/1.png\"}}]}"}
		]}`),
	}
	out := newTestCompletion()

	require.NoError(t, p.Poll(context.Background(), src, ChatHandle{}, intentToolResponse, out))
	assert.JSONEq(t, `{"data_structural":[{"image_ori":{"url":"https://img/1.png"}}]}`, string(out.message().Content))
}

func TestPollToolResponseMissing(t *testing.T) {
	p, _ := newTestPoller()
	src := &fakeChatSource{
		statuses: []fetchResult{status("completed")},
		messages: okFetch(`{"code":0,"data":[{"type":"answer","content":"no tool"}]}`),
	}
	out := newTestCompletion()

	require.NoError(t, p.Poll(context.Background(), src, ChatHandle{}, intentToolResponse, out))
	text, ok := out.TextContent()
	require.True(t, ok)
	assert.Contains(t, text, `"success":true`)
	assert.Contains(t, text, "no tool")
}

func TestPollRequiresAction(t *testing.T) {
	p, _ := newTestPoller()
	src := &fakeChatSource{statuses: []fetchResult{okFetch(`{"code":0,"data":{"status":"requires_action","required_action":{"submit_tool_outputs":{"tool_calls":[{"id":"call_1","type":"function","function":{"name":"f","arguments":"{}"}}]}}}}`)}}
	out := newTestCompletion()

	require.NoError(t, p.Poll(context.Background(), src, ChatHandle{}, intentAnswer, out))
	assert.Equal(t, "tool_calls", out.Choices[0].FinishReason)
	assert.JSONEq(t, `[{"id":"call_1","type":"function","function":{"name":"f","arguments":"{}"}}]`, string(out.message().ToolCalls))
	assert.Equal(t, 0, src.lists)
}

func TestPollFailed(t *testing.T) {
	p, _ := newTestPoller()
	src := &fakeChatSource{statuses: []fetchResult{status("failed")}}
	out := newTestCompletion()

	require.NoError(t, p.Poll(context.Background(), src, ChatHandle{}, intentAnswer, out))
	text, ok := out.TextContent()
	require.True(t, ok)
	var decoded fetchResult
	require.NoError(t, json.Unmarshal([]byte(text), &decoded))
	assert.True(t, decoded.Success)
	assert.Contains(t, string(decoded.Body), `"status":"failed"`)
}

func TestPollRetrievalFailure(t *testing.T) {
	p, rec := newTestPoller()
	src := &fakeChatSource{statuses: []fetchResult{failedFetch("upstream_http", "Error: status code 500 Internal Server Error, boom", nil)}}
	out := newTestCompletion()

	require.NoError(t, p.Poll(context.Background(), src, ChatHandle{}, intentAnswer, out))
	assert.Equal(t, 1, src.retrieves)
	assert.Empty(t, rec.waits)
	text, _ := out.TextContent()
	assert.JSONEq(t, `{"success":false,"msg":"Error: status code 500 Internal Server Error, boom","body":null}`, text)
}

func TestPollListFailure(t *testing.T) {
	p, _ := newTestPoller()
	src := &fakeChatSource{
		statuses: []fetchResult{status("completed")},
		messages: failedFetch("shape_validation", `Error: checkKV failed, {"code":0}, {"code":1}`, nil),
	}
	out := newTestCompletion()

	require.NoError(t, p.Poll(context.Background(), src, ChatHandle{}, intentAnswer, out))
	text, _ := out.TextContent()
	assert.Contains(t, text, "checkKV failed")
}

func TestPollTimeout(t *testing.T) {
	p, rec := newTestPoller()
	src := &fakeChatSource{statuses: []fetchResult{status("in_progress")}}
	out := newTestCompletion()

	require.NoError(t, p.Poll(context.Background(), src, ChatHandle{}, intentAnswer, out))
	assert.Equal(t, defaultPollAttempts, src.retrieves)
	assert.Len(t, rec.waits, defaultPollAttempts-1)

	text, ok := out.TextContent()
	require.True(t, ok)
	var timeout struct {
		Msg  string      `json:"msg"`
		Data fetchResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(text), &timeout))
	assert.Equal(t, "Retrieve chat timeout with attempt 20", timeout.Msg)
	assert.Contains(t, string(timeout.Data.Body), "in_progress")
}

func TestPollStopsOnCancel(t *testing.T) {
	p, _ := newTestPoller()
	src := &fakeChatSource{statuses: []fetchResult{status("in_progress")}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Poll(ctx, src, ChatHandle{}, intentAnswer, newTestCompletion())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, src.retrieves)
}
