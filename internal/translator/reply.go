package translator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"fal-openai-adapter/internal/models"
)

const (
	invitationContent = "I can generate images. Describe what you'd like."
	softFailContent   = "Unable to generate an image. Try a different description."

	invitationCompletionTokens = 20
	softFailCompletionTokens   = 30
)

// LatestUserPrompt returns the content of the newest user turn. ok is false
// when the conversation has no user turn or that turn is empty.
func LatestUserPrompt(messages []models.Message) (prompt string, ok bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content, messages[i].Content != ""
		}
	}
	return "", false
}

// EstimateTokens is a length heuristic, not a tokenizer.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// InvitationReply is returned instead of submitting a job when there is no prompt.
func InvitationReply(messages []models.Message, now time.Time) models.Reply {
	promptTokens := EstimateTokens(serializeMessages(messages))
	return models.Reply{
		ID:      strconv.FormatInt(now.Unix(), 10),
		Content: invitationContent,
		Usage:   newUsage(promptTokens, invitationCompletionTokens),
	}
}

// GenerationReply renders a finished pipeline run. Outcomes other than
// completed-with-images produce the soft failure message.
func GenerationReply(gen *models.Generation) models.Reply {
	promptTokens := EstimateTokens(gen.Prompt)
	if gen.Outcome != models.OutcomeCompletedWithImages || len(gen.Result.ImageURLs) == 0 {
		return models.Reply{
			ID:      gen.Handle.RequestID,
			Content: softFailContent,
			Usage:   newUsage(promptTokens, softFailCompletionTokens),
		}
	}

	content := RenderImages(gen.Prompt, gen.Result.ImageURLs)
	return models.Reply{
		ID:      gen.Handle.RequestID,
		Content: content,
		Usage:   newUsage(promptTokens, EstimateTokens(content)),
	}
}

// RenderImages embeds one markdown image per URL in backend order.
func RenderImages(prompt string, urls []string) string {
	refs := make([]string, 0, len(urls))
	for i, url := range urls {
		refs = append(refs, fmt.Sprintf("![Generated Image %d](%s)", i+1, url))
	}
	return "Here's the image: \"" + prompt + "\"\n\n" + strings.Join(refs, "\n\n")
}

func newUsage(prompt, completion int) models.Usage {
	return models.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

func serializeMessages(messages []models.Message) string {
	type wireMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	wire := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		wire = append(wire, wireMessage{Role: m.Role, Content: m.Content})
	}
	data, err := json.Marshal(wire)
	if err != nil {
		return ""
	}
	return string(data)
}
