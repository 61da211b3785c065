package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	eventMessageDelta     = "conversation.message.delta"
	eventMessageCompleted = "conversation.message.completed"
	eventChatCompleted    = "conversation.chat.completed"
	eventError            = "error"
)

var (
	frameDelimiter = []byte("\n\n")
	doneFrame      = []byte("data: [DONE]\n\n")
)

// Reframer converts the Coze event stream ("event:<type>\ndata:<json>\n\n")
// into OpenAI chat.completion.chunk frames terminated by "data: [DONE]".
type Reframer struct {
	model        string
	includeUsage bool
	logger       zerolog.Logger

	newID func() string
	now   func() time.Time

	usage  *ChatCompletionChunk
	chunks int
}

func NewReframer(model string, includeUsage bool, logger zerolog.Logger) *Reframer {
	return &Reframer{
		model:        model,
		includeUsage: includeUsage,
		logger:       logger,
		newID:        newCompletionID,
		now:          time.Now,
	}
}

// Reframe reads r until EOF, writing each converted frame to w as soon as
// its source frame is complete. Unparseable data lines are logged and
// skipped. Whatever remains unframed at EOF is sent as a final content
// chunk, followed by the terminal chunk, the usage chunk if requested, and
// [DONE]. A read error still finishes the stream before being returned.
func (rf *Reframer) Reframe(r io.Reader, w io.Writer) error {
	buf := make([]byte, 0, 32*1024)
	readBuf := make([]byte, 32*1024)

	var readErr error
	for {
		n, err := r.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
			start := 0
			for {
				idx := bytes.Index(buf[start:], frameDelimiter)
				if idx < 0 {
					break
				}
				if err := rf.handleFrame(buf[start:start+idx], w); err != nil {
					return err
				}
				start += idx + len(frameDelimiter)
			}
			buf = append(buf[:0], buf[start:]...)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
	}

	if err := rf.finish(buf, w); err != nil {
		return err
	}
	rf.logger.Debug().Int("chunks", rf.chunks).Msg("Streaming response completed")
	if readErr != nil {
		return fmt.Errorf("failed to read upstream stream: %w", readErr)
	}
	return nil
}

func (rf *Reframer) handleFrame(frame []byte, w io.Writer) error {
	var eventType string
	for _, line := range bytes.Split(frame, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			eventType = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			payload := bytes.TrimSpace(line[len("data:"):])
			if err := rf.handleData(eventType, payload, w); err != nil {
				return err
			}
		}
	}
	return nil
}

func (rf *Reframer) handleData(eventType string, payload []byte, w io.Writer) error {
	if !gjson.ValidBytes(payload) {
		preview := string(payload)
		if len(preview) > 200 {
			preview = preview[:200] + "…"
		}
		rf.logger.Warn().
			Str("event", eventType).
			Str("raw_line", preview).
			Msg("Skipping unparseable SSE data line")
		return nil
	}
	data := gjson.ParseBytes(payload)

	switch eventType {
	case eventMessageDelta:
		content := data.Get("content").String()
		chunk := rf.contentChunk(content, nil)
		chunk.Choices[0].Delta.ReasoningContent = data.Get("reasoning_content").String()
		return rf.write(w, chunk)

	case eventMessageCompleted:
		if data.Get("type").String() != "function_call" {
			return nil
		}
		block, err := fencedRecord(data.Get("type").String(), data.Get("content").String())
		if err != nil {
			rf.logger.Warn().Err(err).Msg("Failed to encode function_call record")
			return nil
		}
		stop := finishReasonStop
		return rf.write(w, rf.contentChunk(block, &stop))

	case eventChatCompleted:
		if !rf.includeUsage {
			return nil
		}
		rf.usage = rf.newChunk()
		rf.usage.Usage = &Usage{
			PromptTokens:     int(data.Get("usage.input_count").Int()),
			CompletionTokens: int(data.Get("usage.output_count").Int()),
			TotalTokens:      int(data.Get("usage.token_count").Int()),
		}
		rf.usage.Choices = []ChunkChoice{}
		return nil

	case eventError:
		stop := finishReasonStop
		return rf.write(w, rf.contentChunk(string(payload), &stop))
	}
	return nil
}

// fencedRecord renders a typed record as the fenced block that message
// normalization lifts back into a typed turn.
func fencedRecord(recordType, content string) (string, error) {
	obj, err := sjson.Set(`{}`, "type", recordType)
	if err != nil {
		return "", err
	}
	if json.Valid([]byte(content)) {
		obj, err = sjson.SetRaw(obj, "content", content)
	} else {
		obj, err = sjson.Set(obj, "content", content)
	}
	if err != nil {
		return "", err
	}
	return "```json\n" + obj + "\n```\n", nil
}

func (rf *Reframer) finish(rest []byte, w io.Writer) error {
	if len(bytes.TrimSpace(rest)) > 0 {
		stop := finishReasonStop
		if err := rf.write(w, rf.contentChunk(string(rest), &stop)); err != nil {
			return err
		}
	}

	stop := finishReasonStop
	terminal := rf.newChunk()
	terminal.Choices = []ChunkChoice{{Index: 0, FinishReason: &stop}}
	if err := rf.write(w, terminal); err != nil {
		return err
	}

	if rf.usage != nil {
		if err := rf.write(w, rf.usage); err != nil {
			return err
		}
	}
	_, err := w.Write(doneFrame)
	return err
}

func (rf *Reframer) newChunk() *ChatCompletionChunk {
	return &ChatCompletionChunk{
		ID:      rf.newID(),
		Object:  "chat.completion.chunk",
		Created: rf.now().Unix(),
		Model:   rf.model,
	}
}

func (rf *Reframer) contentChunk(content string, finishReason *string) *ChatCompletionChunk {
	chunk := rf.newChunk()
	chunk.Choices = []ChunkChoice{{
		Index:        0,
		Delta:        ChunkDelta{Content: &content},
		FinishReason: finishReason,
	}}
	return chunk
}

// write emits one frame in a single Write so a flushing writer delivers
// it immediately.
func (rf *Reframer) write(w io.Writer, chunk *ChatCompletionChunk) error {
	b, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("failed to marshal chunk: %w", err)
	}
	frame := make([]byte, 0, len(b)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, b...)
	frame = append(frame, frameDelimiter...)
	if _, err := w.Write(frame); err != nil {
		return err
	}
	rf.chunks++
	return nil
}
