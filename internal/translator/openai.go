package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"fal-openai-adapter/internal/models"
)

var (
	errInvalidContent    = errors.New("invalid message content")
	errInvalidImageCount = errors.New("n must be at least 1")
	errUnsupportedFormat = errors.New("unsupported response_format")
	errMessagesNotArray  = errors.New("messages must be an array")
	errPromptNotString   = errors.New("prompt must be a string")
)

const (
	responseFormatURL      = "url"
	chatCompletionObject   = "chat.completion"
	chatCompletionIDPrefix = "chatcmpl-"
	assistantRole          = "assistant"
	finishReasonStop       = "stop"
)

// ChatCompletionRequest models the OpenAI chat/completions request payload.
// Sampling parameters are accepted and ignored; the backend has no use for them.
type ChatCompletionRequest struct {
	Model    string
	Messages []ChatMessage
	Stream   bool
}

// UnmarshalJSON tolerates missing model and messages; an empty conversation
// is answered with an invitation rather than rejected.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model    string          `json:"model"`
		Messages json.RawMessage `json:"messages"`
		Stream   bool            `json:"stream"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	var messages []ChatMessage
	if len(raw.Messages) > 0 && string(raw.Messages) != "null" {
		var items []json.RawMessage
		if err := json.Unmarshal(raw.Messages, &items); err != nil {
			return errMessagesNotArray
		}
		if err := json.Unmarshal(raw.Messages, &messages); err != nil {
			return err
		}
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Messages = messages
	r.Stream = raw.Stream
	return nil
}

// ToChat converts the OpenAI request into the canonical format.
func (r ChatCompletionRequest) ToChat() models.ChatRequest {
	msgs := make([]models.Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		msgs = append(msgs, models.Message{
			Role:    m.Role,
			Content: m.Content,
		})
	}
	return models.ChatRequest{
		Model:      r.Model,
		Messages:   msgs,
		ImageCount: 1,
	}
}

// ChatMessage captures a single message within the chat request.
type ChatMessage struct {
	Role    string
	Content string
}

// UnmarshalJSON supports string and array-of-parts content formats.
func (m *ChatMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}

	content, err := extractMessageContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = strings.TrimSpace(raw.Role)
	m.Content = content
	return nil
}

// extractMessageContent flattens the text parts of a message. Non-text parts
// such as image_url are skipped.
func extractMessageContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil
	}

	var segments []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &segments); err == nil {
		parts := make([]string, 0, len(segments))
		for _, segment := range segments {
			if segment.Type != "text" {
				continue
			}
			parts = append(parts, segment.Text)
		}
		return strings.Join(parts, "\n"), nil
	}

	return "", fmt.Errorf("%w: unsupported content structure", errInvalidContent)
}

// ImageGenerationRequest models the OpenAI images/generations payload.
type ImageGenerationRequest struct {
	Model          string
	Prompt         string
	ImageCount     int
	ResponseFormat string
}

// UnmarshalJSON validates n and response_format. An empty prompt is allowed
// and ends up as an invitation, same as an empty chat.
func (r *ImageGenerationRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model          string          `json:"model"`
		Prompt         json.RawMessage `json:"prompt"`
		N              *int            `json:"n"`
		ResponseFormat string          `json:"response_format"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode image request: %w", err)
	}

	var prompt string
	if len(raw.Prompt) > 0 && string(raw.Prompt) != "null" {
		if err := json.Unmarshal(raw.Prompt, &prompt); err != nil {
			return errPromptNotString
		}
	}

	count := 1
	if raw.N != nil {
		if *raw.N < 1 {
			return errInvalidImageCount
		}
		count = *raw.N
	}

	format := strings.TrimSpace(raw.ResponseFormat)
	if format != "" && format != responseFormatURL {
		return fmt.Errorf("%w: %s", errUnsupportedFormat, format)
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Prompt = prompt
	r.ImageCount = count
	r.ResponseFormat = format
	return nil
}

// ToChat wraps the prompt as a single user turn so both endpoints share one pipeline.
func (r ImageGenerationRequest) ToChat() models.ChatRequest {
	return models.ChatRequest{
		Model:      r.Model,
		Messages:   []models.Message{{Role: "user", Content: r.Prompt}},
		ImageCount: r.ImageCount,
	}
}

// WantsImageData reports whether the caller asked for the images envelope
// instead of the chat-completion one.
func (r ImageGenerationRequest) WantsImageData() bool {
	return r.ResponseFormat == responseFormatURL
}

// ChatCompletionResponse models the OpenAI-compatible chat response.
type ChatCompletionResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   OpenAIUsage  `json:"usage"`
}

// ChatChoice represents a single choice in the response payload.
type ChatChoice struct {
	Index        int             `json:"index"`
	Message      ResponseMessage `json:"message"`
	FinishReason string          `json:"finish_reason"`
}

// ResponseMessage is the assistant turn inside a choice.
type ResponseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// OpenAIUsage mirrors the token usage block in OpenAI responses.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// FromReply constructs the chat-completion envelope.
func FromReply(modelID string, createdUnix int64, reply models.Reply) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      chatCompletionIDPrefix + reply.ID,
		Object:  chatCompletionObject,
		Created: createdUnix,
		Model:   modelID,
		Choices: []ChatChoice{
			{
				Index: 0,
				Message: ResponseMessage{
					Role:    assistantRole,
					Content: reply.Content,
				},
				FinishReason: finishReasonStop,
			},
		},
		Usage: OpenAIUsage{
			PromptTokens:     reply.Usage.PromptTokens,
			CompletionTokens: reply.Usage.CompletionTokens,
			TotalTokens:      reply.Usage.TotalTokens,
		},
	}
}

// ImageGenerationResponse models the OpenAI images/generations response.
type ImageGenerationResponse struct {
	Created int64       `json:"created"`
	Data    []ImageData `json:"data"`
}

// ImageData is one generated image.
type ImageData struct {
	URL           string `json:"url"`
	RevisedPrompt string `json:"revised_prompt,omitempty"`
}

// FromGenerationImages renders the generated URLs in backend order. Soft
// failures produce an empty data list.
func FromGenerationImages(createdUnix int64, gen *models.Generation) ImageGenerationResponse {
	data := make([]ImageData, 0, len(gen.Result.ImageURLs))
	if gen.Outcome == models.OutcomeCompletedWithImages {
		for _, url := range gen.Result.ImageURLs {
			data = append(data, ImageData{URL: url, RevisedPrompt: gen.Prompt})
		}
	}
	return ImageGenerationResponse{
		Created: createdUnix,
		Data:    data,
	}
}

// ModelDescriptor is one entry of the /v1/models listing.
type ModelDescriptor struct {
	ID         string  `json:"id"`
	Object     string  `json:"object"`
	Created    int64   `json:"created"`
	OwnedBy    string  `json:"owned_by"`
	Permission []any   `json:"permission"`
	Root       string  `json:"root"`
	Parent     *string `json:"parent"`
}

// ModelList is the /v1/models response body.
type ModelList struct {
	Object string            `json:"object"`
	Data   []ModelDescriptor `json:"data"`
}

const (
	modelsCreated = 1698785189
	modelsOwner   = "fal-openai-adapter"
)

// FromModels builds the static model listing.
func FromModels(list []models.Model) ModelList {
	data := make([]ModelDescriptor, 0, len(list))
	for _, m := range list {
		data = append(data, ModelDescriptor{
			ID:         m.ID,
			Object:     "model",
			Created:    modelsCreated,
			OwnedBy:    modelsOwner,
			Permission: []any{},
			Root:       m.ID,
		})
	}
	return ModelList{Object: "list", Data: data}
}
