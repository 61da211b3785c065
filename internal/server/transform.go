package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"

	"github.com/dvcrn/coze-proxy/internal/apperr"
	"github.com/dvcrn/coze-proxy/internal/config"
	"github.com/tidwall/gjson"
)

const (
	userPromptPlaceholder = "<user_prompt>"
	systemPromptMarker    = "[[[" + userPromptPlaceholder + "]]]"
	// emptyQuery stands in for user content moved into the system prompt;
	// Coze answers null to an empty query.
	emptyQuery = " "
)

var (
	// promptTemplatePattern is greedy: everything between the first "{{{"
	// and the last "}}}" is the template.
	promptTemplatePattern = regexp.MustCompile(`(?s)\{\{\{(.+)\}\}\}`)

	// typedRecordPattern finds the fenced records the stream reframer emits
	// for function calls. Best effort: a payload containing "\n```\n" ends
	// the match early and is then left as text.
	typedRecordPattern = regexp.MustCompile("(?s)```json\\n(\\{\"type\":\"\\w+?\",\"content\":.*?)\\n```\\n")
)

// spliceUserPrompt moves the user query into a template carried by the
// system prompt. "{{{T}}}" makes T (with <user_prompt> substituted) the new
// query and removes it from the system prompt. Otherwise the literal
// "[[[<user_prompt>]]]" marker is replaced by the query, which becomes a
// single space.
func spliceUserPrompt(systemPrompt, query string) (string, string) {
	if systemPrompt == "" {
		return systemPrompt, query
	}
	if loc := promptTemplatePattern.FindStringSubmatchIndex(systemPrompt); loc != nil {
		template := systemPrompt[loc[2]:loc[3]]
		query = strings.ReplaceAll(template, userPromptPlaceholder, query)
		systemPrompt = systemPrompt[:loc[0]] + systemPrompt[loc[1]:]
		return systemPrompt, query
	}
	if strings.Contains(systemPrompt, systemPromptMarker) {
		return strings.ReplaceAll(systemPrompt, systemPromptMarker, query), emptyQuery
	}
	return systemPrompt, query
}

// typedRecord is a history entry recovered from a fenced JSON block.
type typedRecord struct {
	Type    string
	Content string
}

// extractTypedRecords lifts fenced {"type":...,"content":...} blocks out of
// text. Blocks that are not valid JSON stay in the text.
func extractTypedRecords(text string) (string, []typedRecord) {
	matches := typedRecordPattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text, nil
	}

	var (
		records []typedRecord
		rest    strings.Builder
		last    int
	)
	for _, m := range matches {
		payload := text[m[2]:m[3]]
		if !gjson.Valid(payload) {
			continue
		}
		content := gjson.Get(payload, "content").Raw
		var compact bytes.Buffer
		if err := json.Compact(&compact, []byte(content)); err == nil {
			content = compact.String()
		}
		records = append(records, typedRecord{
			Type:    gjson.Get(payload, "type").String(),
			Content: content,
		})
		rest.WriteString(text[last:m[0]])
		last = m[1]
	}
	rest.WriteString(text[last:])
	return rest.String(), records
}

// errUploadFailed marks a request that could not be sent because an inline
// image could not be stored anywhere.
var errUploadFailed = errors.New("upload file failed")

// uploadFunc resolves an inline image for the request being normalized.
type uploadFunc func(ctx context.Context, dataURL string) UploadResult

// normalizeMessages converts OpenAI messages into Coze turns. System
// messages only set the system prompt. The last non-system message is
// spliced into any prompt template, inline images are uploaded, and fenced
// typed records become their own turns ahead of the message they came from.
func normalizeMessages(ctx context.Context, messages []ChatMessage, upload uploadFunc) (string, []BackendTurn, error) {
	lastIdx := -1
	for i, m := range messages {
		if m.Role != "system" {
			lastIdx = i
		}
	}

	var (
		systemPrompt string
		history      []BackendTurn
	)
	for i, msg := range messages {
		if msg.Role == "system" {
			systemPrompt = msg.Content.PlainText()
			continue
		}
		isLast := i == lastIdx

		if !msg.Content.IsParts {
			text := msg.Content.Text
			if isLast {
				systemPrompt, text = spliceUserPrompt(systemPrompt, text)
			}
			text, records := extractTypedRecords(text)
			history = appendTurns(history, msg.Role, contentTypeText, records, text)
			continue
		}

		parts := make([]ContentPart, len(msg.Content.Parts))
		copy(parts, msg.Content.Parts)
		var records []typedRecord
		for j := range parts {
			p := &parts[j]
			switch p.Type {
			case "image_url":
				if p.ImageURL == nil || !isInlineImage(p.ImageURL.URL) {
					continue
				}
				res := upload(ctx, p.ImageURL.URL)
				if !res.OK {
					kind := res.Kind
					if kind == "" {
						kind = apperr.KindUpstreamHTTP
					}
					return "", nil, apperr.New(kind, res.Diagnostic, errUploadFailed)
				}
				*p = ContentPart{Type: "image", FileID: res.Ref.FileID, FileURL: res.Ref.URL}
			case "text":
				if isLast {
					systemPrompt, p.Text = spliceUserPrompt(systemPrompt, p.Text)
				}
				var found []typedRecord
				p.Text, found = extractTypedRecords(p.Text)
				records = append(records, found...)
			}
		}
		encoded, err := marshalUnescaped(parts)
		if err != nil {
			return "", nil, apperr.New(apperr.KindMalformedRequest, "failed to encode content parts", err)
		}
		history = appendTurns(history, msg.Role, contentTypeObjectString, records, encoded)
	}
	return systemPrompt, history, nil
}

// marshalUnescaped encodes v without HTML escaping so placeholders such as
// <user_prompt> reach the bot verbatim.
func marshalUnescaped(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func appendTurns(history []BackendTurn, role, contentType string, records []typedRecord, content string) []BackendTurn {
	for _, r := range records {
		history = append(history, BackendTurn{
			Role:        role,
			Type:        r.Type,
			Content:     r.Content,
			ContentType: contentType,
		})
	}
	return append(history, BackendTurn{
		Role:        role,
		Content:     content,
		ContentType: contentType,
	})
}

// buildCozeChatRequest assembles the chat creation body. History is only
// saved server side for non-streaming chats, which are polled afterwards.
func buildCozeChatRequest(bot config.Bot, userID string, stream bool, systemPrompt string, history []BackendTurn) CozeChatRequest {
	if history == nil {
		history = []BackendTurn{}
	}
	return CozeChatRequest{
		BotID:              bot.BotID,
		UserID:             userID,
		Stream:             stream,
		AdditionalMessages: history,
		AutoSaveHistory:    !stream,
		CustomVariables: map[string]string{
			"system_prompt": systemPrompt,
		},
	}
}
