package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dvcrn/coze-proxy/internal/apperr"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"gopkg.in/cenkalti/backoff.v1"
)

const (
	defaultPollAttempts = 20
	// pollSlowdownAttempt is the attempt after which the interval doubles.
	pollSlowdownAttempt = 5
	pollFastInterval    = time.Second
	pollSlowInterval    = 2 * time.Second

	chatStatusCompleted      = "completed"
	chatStatusRequiresAction = "requires_action"
	chatStatusFailed         = "failed"
)

// pollIntent selects which messages of a completed chat form the answer.
type pollIntent int

const (
	// intentAnswer joins the answer and function_call messages.
	intentAnswer pollIntent = iota
	// intentToolResponse returns the first tool_response message, as
	// produced by the image generation plugin.
	intentToolResponse
)

// chatStatusSource is the part of the Coze API the poller drives.
type chatStatusSource interface {
	RetrieveChat(ctx context.Context, h ChatHandle) fetchResult
	ListMessages(ctx context.Context, h ChatHandle) fetchResult
}

// pollSchedule waits pollFastInterval after each of the first attempts and
// pollSlowInterval afterwards, stopping once maxAttempts have been made.
type pollSchedule struct {
	attempt     int
	maxAttempts int
}

func (s *pollSchedule) NextBackOff() time.Duration {
	s.attempt++
	switch {
	case s.attempt >= s.maxAttempts:
		return backoff.Stop
	case s.attempt >= pollSlowdownAttempt:
		return pollSlowInterval
	default:
		return pollFastInterval
	}
}

func (s *pollSchedule) Reset() {
	s.attempt = 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Poller drives a non-streaming chat to a terminal state.
type Poller struct {
	maxAttempts int
	sleep       func(ctx context.Context, d time.Duration) error
	logger      zerolog.Logger
}

func NewPoller(logger zerolog.Logger) *Poller {
	return &Poller{
		maxAttempts: defaultPollAttempts,
		sleep:       sleepContext,
		logger:      logger,
	}
}

// Poll fills out from the chat's terminal state. Backend failures and
// timeouts are reported through the completion content; the only error is
// the request context ending.
func (p *Poller) Poll(ctx context.Context, src chatStatusSource, h ChatHandle, intent pollIntent, out *ChatCompletionResponse) error {
	schedule := backoff.WithContext(&pollSchedule{maxAttempts: p.maxAttempts}, ctx)

	var (
		last    fetchResult
		attempt int
	)
	for {
		attempt++
		last = src.RetrieveChat(ctx, h)
		if !last.Success {
			p.logger.Warn().Err(last.err).Int("attempt", attempt).Msg("Chat retrieval failed")
			out.setJSONText(last)
			return nil
		}

		status := last.get("data.status").String()
		switch status {
		case chatStatusCompleted:
			p.complete(ctx, src, h, intent, last, out)
			return nil
		case chatStatusRequiresAction:
			msg := out.message()
			msg.ToolCalls = []byte(last.get("data.required_action.submit_tool_outputs.tool_calls").Raw)
			if len(msg.ToolCalls) == 0 {
				msg.ToolCalls = []byte("[]")
			}
			out.Choices[0].FinishReason = finishReasonToolCalls
			return nil
		case chatStatusFailed:
			p.logger.Warn().Str("chat_id", h.ChatID).Msg("Chat failed")
			out.setJSONText(last)
			return nil
		}

		wait := schedule.NextBackOff()
		if wait == backoff.Stop {
			if err := ctx.Err(); err != nil {
				return err
			}
			break
		}
		p.logger.Debug().
			Int("attempt", attempt).
			Str("status", status).
			Dur("wait", wait).
			Msg("Chat still in progress")
		if err := p.sleep(ctx, wait); err != nil {
			return err
		}
	}

	msg := fmt.Sprintf("Retrieve chat timeout with attempt %d", attempt)
	p.logger.Warn().
		Err(apperr.New(apperr.KindPollTimeout, msg, nil)).
		Str("chat_id", h.ChatID).
		Msg("Chat polling timed out")
	out.setJSONText(struct {
		Msg  string      `json:"msg"`
		Data fetchResult `json:"data"`
	}{
		Msg:  msg,
		Data: last,
	})
	return nil
}

func (p *Poller) complete(ctx context.Context, src chatStatusSource, h ChatHandle, intent pollIntent, status fetchResult, out *ChatCompletionResponse) {
	msgs := src.ListMessages(ctx, h)
	if !msgs.Success {
		p.logger.Warn().Err(msgs.err).Msg("Listing chat messages failed")
		out.setJSONText(msgs)
		return
	}

	if intent == intentToolResponse {
		var found gjson.Result
		msgs.get("data").ForEach(func(_, m gjson.Result) bool {
			if m.Get("type").String() == "tool_response" {
				found = m
				return false
			}
			return true
		})
		if !found.Exists() {
			out.setJSONText(msgs)
			return
		}
		out.setRawContent(found.Get("content").String())
		return
	}

	var answers, reasoning []string
	msgs.get("data").ForEach(func(_, m gjson.Result) bool {
		switch m.Get("type").String() {
		case "answer", "function_call":
			answers = append(answers, m.Get("content").String())
			reasoning = append(reasoning, m.Get("reasoning_content").String())
		}
		return true
	})
	out.setText(strings.Join(answers, "\n"))
	out.message().ReasoningContent = strings.Join(reasoning, "")

	usage := status.get("data.usage")
	out.Usage.PromptTokens = int(usage.Get("input_count").Int())
	out.Usage.CompletionTokens = int(usage.Get("output_count").Int())
	out.Usage.TotalTokens = int(usage.Get("token_count").Int())
}
