package translator

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"unichat/internal/models"
)

// Request defaults applied when a client omits the field.
const (
	DefaultMaxTokens   = 2048
	DefaultTemperature = 0.7
)

var errInvalidContent = errors.New("invalid message content")

// ChatCompletionRequest models the chat/completions request payload. Both the
// gateway's model_id and OpenAI's model field are accepted.
type ChatCompletionRequest struct {
	ModelID     string
	Messages    []ChatMessage
	MaxTokens   *int
	Temperature *float64
	Stream      bool
}

// UnmarshalJSON decodes the payload. Bounds are checked later, by the gateway.
func (r *ChatCompletionRequest) UnmarshalJSON(data []byte) error {
	type alias struct {
		ModelID     string        `json:"model_id"`
		Model       string        `json:"model"`
		Messages    []ChatMessage `json:"messages"`
		MaxTokens   *int          `json:"max_tokens"`
		Temperature *float64      `json:"temperature"`
		Stream      bool          `json:"stream"`
	}

	var raw alias
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode chat request: %w", err)
	}

	r.ModelID = strings.TrimSpace(raw.ModelID)
	if r.ModelID == "" {
		r.ModelID = strings.TrimSpace(raw.Model)
	}
	r.Messages = raw.Messages
	r.MaxTokens = raw.MaxTokens
	r.Temperature = raw.Temperature
	r.Stream = raw.Stream
	return nil
}

// ToChatRequest converts the wire request into the canonical form, filling defaults.
func (r ChatCompletionRequest) ToChatRequest() models.ChatRequest {
	msgs := make([]models.ChatMessage, 0, len(r.Messages))
	for _, m := range r.Messages {
		msgs = append(msgs, models.ChatMessage{
			Role:    models.Role(m.Role),
			Content: m.Content,
		})
	}

	req := models.ChatRequest{
		ModelID:     r.ModelID,
		Messages:    msgs,
		MaxTokens:   DefaultMaxTokens,
		Temperature: DefaultTemperature,
		Stream:      r.Stream,
	}
	if r.MaxTokens != nil {
		req.MaxTokens = *r.MaxTokens
	}
	if r.Temperature != nil {
		req.Temperature = *r.Temperature
	}
	return req
}

// ChatMessage captures a single message within the chat request.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// UnmarshalJSON supports string and array-of-text content formats.
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

func extractMessageContent(raw json.RawMessage) (string, error) {
	if raw == nil {
		return "", fmt.Errorf("%w: missing content", errInvalidContent)
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
		var builder strings.Builder
		for _, segment := range segments {
			if segment.Type != "text" {
				return "", fmt.Errorf("%w: segment type %q not supported", errInvalidContent, segment.Type)
			}
			builder.WriteString(segment.Text)
		}
		return builder.String(), nil
	}

	return "", fmt.Errorf("%w: unsupported content structure", errInvalidContent)
}

// NewCompletionID returns an identifier in the chatcmpl- namespace.
func NewCompletionID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "chatcmpl-" + id[:12]
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
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// OpenAIUsage mirrors the token usage block in OpenAI responses.
type OpenAIUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// FromChatResponse constructs the OpenAI response shape.
func FromChatResponse(id string, createdUnix int64, resp *models.ChatResponse) ChatCompletionResponse {
	return ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: createdUnix,
		Model:   resp.ModelID,
		Choices: []ChatChoice{
			{
				Index: 0,
				Message: ChatMessage{
					Role:    string(models.RoleAssistant),
					Content: resp.Content,
				},
				FinishReason: string(resp.FinishReason),
			},
		},
		Usage: OpenAIUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
}

// ChatCompletionChunk is one server-sent frame of a streamed completion.
type ChatCompletionChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Error   *ChunkError   `json:"error,omitempty"`
}

// ChunkChoice carries the delta of a frame. FinishReason serialises as null
// until the terminal frame.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type Delta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

// ChunkError is attached to the terminal frame when the upstream stream fails.
type ChunkError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// ChunkBuilder stamps frames of one completion with a shared id and timestamp.
type ChunkBuilder struct {
	ID      string
	Created int64
	Model   string
}

// Initial establishes the assistant role with empty content.
func (b ChunkBuilder) Initial() ChatCompletionChunk {
	empty := ""
	return b.frame(Delta{Role: string(models.RoleAssistant), Content: &empty}, nil)
}

// Content carries one fragment.
func (b ChunkBuilder) Content(fragment string) ChatCompletionChunk {
	return b.frame(Delta{Content: &fragment}, nil)
}

// Final closes the choice with finish_reason "stop".
func (b ChunkBuilder) Final() ChatCompletionChunk {
	stop := string(models.FinishStop)
	return b.frame(Delta{}, &stop)
}

// Failed is the terminal frame emitted when the upstream stream breaks. It
// still closes the choice so clients observe a normal finish.
func (b ChunkBuilder) Failed() ChatCompletionChunk {
	chunk := b.Final()
	chunk.Error = &ChunkError{
		Message: "Stream interrupted due to error",
		Type:    "server_error",
	}
	return chunk
}

func (b ChunkBuilder) frame(delta Delta, finish *string) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID:      b.ID,
		Object:  "chat.completion.chunk",
		Created: b.Created,
		Model:   b.Model,
		Choices: []ChunkChoice{
			{Index: 0, Delta: delta, FinishReason: finish},
		},
	}
}

// ModelInfo describes one enabled catalog entry.
type ModelInfo struct {
	ID                string `json:"id"`
	Provider          string `json:"provider"`
	Name              string `json:"name"`
	Description       string `json:"description"`
	MaxTokens         int    `json:"max_tokens"`
	SupportsStreaming bool   `json:"supports_streaming"`
	ContextLength     int    `json:"context_length,omitempty"`
	IsLocal           bool   `json:"is_local"`
}

// ModelList is the /models response body.
type ModelList struct {
	Object string      `json:"object"`
	Data   []ModelInfo `json:"data"`
}

// FromModelConfigs lists the given catalog entries.
func FromModelConfigs(configs []models.ModelConfig) ModelList {
	data := make([]ModelInfo, 0, len(configs))
	for _, cfg := range configs {
		name := cfg.Name
		if name == "" {
			name = cfg.ModelID
		}
		data = append(data, ModelInfo{
			ID:                cfg.ModelID,
			Provider:          cfg.Provider,
			Name:              name,
			Description:       cfg.Provider + " - " + name,
			MaxTokens:         cfg.MaxTokens,
			SupportsStreaming: true,
			ContextLength:     cfg.ContextLength,
			IsLocal:           cfg.IsLocal,
		})
	}
	return ModelList{Object: "list", Data: data}
}
