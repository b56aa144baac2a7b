package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"fal-openai-adapter/internal/models"
)

var (
	errClaudeInvalidRole    = errors.New("invalid role")
	errClaudeInvalidContent = errors.New("invalid message content")
	errClaudeInvalidSystem  = errors.New("invalid system prompt")
	errClaudeStreaming      = errors.New("streaming is not supported")
)

// ClaudeMessageRequest models the Anthropic /v1/messages payload.
type ClaudeMessageRequest struct {
	Model    string
	Messages []ClaudeMessage
	System   []string
}

// UnmarshalJSON normalises content blocks and rejects streaming requests.
// max_tokens and sampling parameters are accepted and ignored.
func (r *ClaudeMessageRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		Model    string          `json:"model"`
		Messages []ClaudeMessage `json:"messages"`
		System   json.RawMessage `json:"system"`
		Stream   bool            `json:"stream"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode claude request: %w", err)
	}
	if raw.Stream {
		return errClaudeStreaming
	}

	systemPrompts, err := parseClaudeSystem(raw.System)
	if err != nil {
		return err
	}

	r.Model = strings.TrimSpace(raw.Model)
	r.Messages = raw.Messages
	r.System = systemPrompts
	return nil
}

// ToChat converts the Claude request into the canonical format. System
// prompts become leading system turns; they never count as the user prompt.
func (r ClaudeMessageRequest) ToChat() models.ChatRequest {
	msgs := make([]models.Message, 0, len(r.Messages)+len(r.System))
	for _, systemMsg := range r.System {
		msgs = append(msgs, models.Message{Role: "system", Content: systemMsg})
	}
	for _, m := range r.Messages {
		msgs = append(msgs, models.Message{Role: m.Role, Content: m.Content})
	}
	return models.ChatRequest{
		Model:      r.Model,
		Messages:   msgs,
		ImageCount: 1,
	}
}

// ClaudeMessage represents a single message in the request payload.
type ClaudeMessage struct {
	Role    string
	Content string
}

// UnmarshalJSON normalises the Claude message content structure.
func (m *ClaudeMessage) UnmarshalJSON(data []byte) error {
	type alias struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode claude message: %w", err)
	}

	content, err := extractClaudeContent(raw.Content)
	if err != nil {
		return err
	}

	m.Role = strings.TrimSpace(raw.Role)
	m.Content = content

	switch m.Role {
	case "user", "assistant":
		return nil
	default:
		return fmt.Errorf("%w: %s", errClaudeInvalidRole, m.Role)
	}
}

func parseClaudeSystem(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		s := strings.TrimSpace(single)
		if s == "" {
			return nil, nil
		}
		return []string{s}, nil
	}

	var blocks []claudeTextBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := make([]string, 0, len(blocks))
		for _, block := range blocks {
			if block.Type != "" && block.Type != "text" {
				return nil, fmt.Errorf("%w: unsupported block type %q", errClaudeInvalidSystem, block.Type)
			}
			if text := strings.TrimSpace(block.Text); text != "" {
				out = append(out, text)
			}
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	}

	return nil, errClaudeInvalidSystem
}

// extractClaudeContent joins text blocks. Image and other blocks are
// skipped; only the text can become a prompt.
func extractClaudeContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return strings.TrimSpace(text), nil
	}

	var blocks []claudeTextBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		parts := make([]string, 0, len(blocks))
		for _, block := range blocks {
			if block.Type != "text" {
				continue
			}
			parts = append(parts, strings.TrimSpace(block.Text))
		}
		return strings.TrimSpace(strings.Join(parts, "\n")), nil
	}

	return "", errClaudeInvalidContent
}

type claudeTextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ClaudeMessageResponse models the Anthropic response payload.
type ClaudeMessageResponse struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Role         string            `json:"role"`
	Model        string            `json:"model"`
	Content      []ClaudeTextBlock `json:"content"`
	StopReason   string            `json:"stop_reason"`
	StopSequence *string           `json:"stop_sequence"`
	Usage        ClaudeUsage       `json:"usage"`
}

// ClaudeTextBlock represents a text content block in the response.
type ClaudeTextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ClaudeUsage mirrors Anthropic usage format.
type ClaudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// FromReplyClaude converts a reply to the Anthropic message shape.
func FromReplyClaude(modelID string, reply models.Reply) ClaudeMessageResponse {
	return ClaudeMessageResponse{
		ID:    "msg_" + reply.ID,
		Type:  "message",
		Role:  assistantRole,
		Model: modelID,
		Content: []ClaudeTextBlock{
			{
				Type: "text",
				Text: reply.Content,
			},
		},
		StopReason: "end_turn",
		Usage: ClaudeUsage{
			InputTokens:  reply.Usage.PromptTokens,
			OutputTokens: reply.Usage.CompletionTokens,
		},
	}
}
