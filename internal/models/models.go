package models

// Role identifies the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// FinishReason is the normalised reason a generation ended.
type FinishReason string

const (
	FinishStop   FinishReason = "stop"
	FinishLength FinishReason = "length"
	FinishError  FinishReason = "error"
)

// ClientType selects the adapter variant that speaks a provider's wire protocol.
type ClientType string

const (
	ClientOpenAICompatible ClientType = "openai_compatible"
	ClientAnthropic        ClientType = "anthropic"
	ClientGoogle           ClientType = "google"
)

// Valid reports whether the client type is one of the known variants.
func (c ClientType) Valid() bool {
	switch c {
	case ClientOpenAICompatible, ClientAnthropic, ClientGoogle:
		return true
	default:
		return false
	}
}

// ChatMessage is a single turn of a conversation. Order within a request is significant.
type ChatMessage struct {
	Role    Role   `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content"`
}

// ChatRequest is the canonical chat request handed to adapters.
type ChatRequest struct {
	Messages    []ChatMessage `json:"messages" validate:"required,min=1,dive"`
	ModelID     string        `json:"model_id" validate:"required"`
	MaxTokens   int           `json:"max_tokens" validate:"min=1,max=8192"`
	Temperature float64       `json:"temperature" validate:"gte=0,lte=2"`
	Stream      bool          `json:"stream"`
}

// ChatResponse is the canonical response produced by adapters.
type ChatResponse struct {
	Content      string       `json:"content"`
	ModelID      string       `json:"model_id"`
	Usage        Usage        `json:"usage"`
	FinishReason FinishReason `json:"finish_reason"`
}

// Usage records token accounting information.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// NewUsage builds a Usage from optional provider counters. Absent counters are
// zero; when both prompt and completion are reported the total is their sum.
func NewUsage(prompt, completion, total *int) Usage {
	var u Usage
	if prompt != nil {
		u.PromptTokens = *prompt
	}
	if completion != nil {
		u.CompletionTokens = *completion
	}
	switch {
	case prompt != nil && completion != nil:
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
	case total != nil:
		u.TotalTokens = *total
	}
	return u
}

// ModelConfig describes one catalog entry. Only Enabled changes after registration.
type ModelConfig struct {
	ModelID       string     `yaml:"model_id" json:"model_id" validate:"required"`
	Name          string     `yaml:"name" json:"name"`
	Provider      string     `yaml:"provider" json:"provider" validate:"required"`
	ClientType    ClientType `yaml:"client_type" json:"client_type" validate:"required,oneof=openai_compatible anthropic google"`
	APIBase       string     `yaml:"api_base" json:"api_base,omitempty" validate:"omitempty,url"`
	APIKeyRef     string     `yaml:"api_key_ref" json:"-"`
	MaxTokens     int        `yaml:"max_tokens" json:"max_tokens" validate:"gte=0"`
	Temperature   float64    `yaml:"temperature" json:"temperature" validate:"gte=0,lte=2"`
	ContextLength int        `yaml:"context_length" json:"context_length,omitempty" validate:"gte=0"`
	Enabled       bool       `yaml:"enabled" json:"enabled"`
	IsLocal       bool       `yaml:"is_local" json:"is_local"`
}

// CacheKey identifies the adapter handle a model resolves to.
func (m ModelConfig) CacheKey() string {
	base := m.APIBase
	if base == "" {
		base = "default"
	}
	return m.Provider + ":" + base
}
