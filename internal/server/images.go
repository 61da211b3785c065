package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

// imageRatios maps OpenAI image sizes onto the ratio codes the DALL-E 3 bot
// plugin understands.
var imageRatios = map[string]int{
	"1024x1024": 1,
	"1024x1792": 2,
	"1792x1024": 3,
}

const imageURLPath = "data_structural.0.image_ori.url"

func imageRatio(size string) int {
	if r, ok := imageRatios[size]; ok {
		return r
	}
	return 1
}

func imagePrompt(prompt, size string) string {
	return fmt.Sprintf("Use DALLE3 to generate image.\nratio: %d\nprompt: %s", imageRatio(size), prompt)
}

// imageGenerationsHandler runs the prompt through the model's bot as a
// non-streaming chat and returns the URL reported by its image tool.
func (s *Server) imageGenerationsHandler(w http.ResponseWriter, r *http.Request) {
	var imgReq ImageGenerationRequest
	if err := json.NewDecoder(r.Body).Decode(&imgReq); err != nil {
		s.logger.Warn().Err(err).Msg("Rejecting malformed image request")
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", "failed to parse request body")
		return
	}

	bot, ok := s.cfg.Bots.Resolve(imgReq.Model)
	if !ok || bot.PassThrough() {
		s.writeError(w, http.StatusBadRequest, "invalid_request_error", "model does not support image generation: "+imgReq.Model)
		return
	}

	s.logger.Info().
		Str("model", imgReq.Model).
		Str("size", imgReq.Size).
		Msg("Processing image generation request")

	chatReq := &ChatCompletionRequest{
		Model: imgReq.Model,
		Messages: []ChatMessage{{
			Role:    "user",
			Content: TextContent(imagePrompt(imgReq.Prompt, imgReq.Size)),
		}},
	}
	resp, token, err := s.openChat(r.Context(), chatReq, bot)
	if err != nil {
		s.writeAppError(w, err)
		return
	}

	outcome, err := s.finishChat(r.Context(), resp, token, imgReq.Model, intentToolResponse)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Image polling aborted")
		return
	}
	if outcome.completion == nil {
		s.writeOutcome(w, outcome)
		return
	}

	content := outcome.completion.message().Content
	url := gjson.GetBytes(content, imageURLPath)
	if !url.Exists() || url.String() == "" {
		s.logger.Error().
			Str("content", string(content)).
			Msg("❌ Image tool response did not contain an image URL")
		s.writeError(w, http.StatusBadGateway, "upstream_error", "image generation failed: "+string(content))
		return
	}

	s.logger.Info().Str("url", url.String()).Msg("✅ Image generated")
	s.writeJSON(w, http.StatusOK, ImageGenerationResponse{
		Created: s.now().Unix(),
		Data:    []ImageData{{URL: url.String()}},
	})
}
