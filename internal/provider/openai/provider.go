package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"unichat/internal/models"
	"unichat/internal/provider"
)

// DefaultBaseURL is used when a model does not configure api_base.
const DefaultBaseURL = "https://api.openai.com/v1"

// Adapter speaks the OpenAI chat-completions protocol. It also serves local
// inference servers (vLLM, llama.cpp) exposing the same surface.
type Adapter struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
}

// New creates an OpenAI-compatible adapter. An empty apiKey is allowed for
// local servers; no Authorization header is sent in that case.
func New(name, apiBase, apiKey string, client *http.Client) (*Adapter, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}

	baseURL := strings.TrimRight(apiBase, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	return &Adapter{
		name:    name,
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  client,
	}, nil
}

func (a *Adapter) Name() string {
	return a.name
}

func (a *Adapter) ChatCompletion(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error) {
	httpResp, err := a.post(ctx, buildChatPayload(req, false))
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var providerResp chatResponse
	if err := provider.DecodeJSON(httpResp.Body, &providerResp); err != nil {
		return nil, err
	}

	return providerResp.toChatResponse(req.ModelID)
}

func (a *Adapter) ChatCompletionStream(ctx context.Context, req models.ChatRequest) (*provider.Stream, error) {
	httpResp, err := a.post(ctx, buildChatPayload(req, true))
	if err != nil {
		return nil, err
	}
	return provider.NewLineStream(ctx, httpResp.Body, parseStreamLine), nil
}

// HealthCheck lists models; any failure reports false.
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	httpReq, err := a.newRequest(ctx, http.MethodGet, a.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return false
	}
	defer httpResp.Body.Close()
	return httpResp.StatusCode == http.StatusOK
}

func (a *Adapter) Close() {
	a.client.CloseIdleConnections()
}

func (a *Adapter) post(ctx context.Context, payload chatPayload) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	httpReq, err := a.newRequest(ctx, http.MethodPost, a.baseURL+"/chat/completions", body)
	if err != nil {
		return nil, err
	}

	httpResp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, provider.TransportError(a.name, err)
	}
	if !provider.IsSuccess(httpResp.StatusCode) {
		defer httpResp.Body.Close()
		return nil, provider.ReadError(a.name, httpResp)
	}
	return httpResp, nil
}

func (a *Adapter) newRequest(ctx context.Context, method, url string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("construct request: %w", err)
	}

	req.Header.Set("Accept", provider.ContentTypeJSON)
	req.Header.Set("User-Agent", provider.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", provider.ContentTypeJSON)
	}
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}
	return req, nil
}

type chatPayload struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
	Stream      bool            `json:"stream"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func buildChatPayload(req models.ChatRequest, stream bool) chatPayload {
	messages := make([]openAIMessage, 0, len(req.Messages))
	for _, msg := range req.Messages {
		messages = append(messages, openAIMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}

	return chatPayload{
		Model:       req.ModelID,
		Messages:    messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
}

type chatResponse struct {
	ID      string       `json:"id"`
	Choices []chatChoice `json:"choices"`
	Usage   *usageBlock  `json:"usage,omitempty"`
}

type chatChoice struct {
	Index        int           `json:"index"`
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type usageBlock struct {
	PromptTokens     *int `json:"prompt_tokens"`
	CompletionTokens *int `json:"completion_tokens"`
	TotalTokens      *int `json:"total_tokens"`
}

func (r chatResponse) toChatResponse(modelID string) (*models.ChatResponse, error) {
	if len(r.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", provider.ErrMalformedResponse)
	}

	choice := r.Choices[0]
	return &models.ChatResponse{
		Content:      choice.Message.Content,
		ModelID:      modelID,
		FinishReason: mapFinishReason(choice.FinishReason),
		Usage: models.NewUsage(
			valueOrNil(r.Usage, func(u *usageBlock) *int { return u.PromptTokens }),
			valueOrNil(r.Usage, func(u *usageBlock) *int { return u.CompletionTokens }),
			valueOrNil(r.Usage, func(u *usageBlock) *int { return u.TotalTokens }),
		),
	}, nil
}

func mapFinishReason(reason string) models.FinishReason {
	switch reason {
	case "length":
		return models.FinishLength
	default:
		return models.FinishStop
	}
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

var (
	dataPrefix   = []byte("data:")
	doneSentinel = []byte("[DONE]")
)

// parseStreamLine handles one SSE line. Non-data lines and undecodable
// payloads are skipped.
func parseStreamLine(line []byte) (string, bool) {
	line = bytes.TrimSpace(line)
	if !bytes.HasPrefix(line, dataPrefix) {
		return "", false
	}
	data := bytes.TrimSpace(line[len(dataPrefix):])
	if bytes.Equal(data, doneSentinel) {
		return "", true
	}

	var chunk streamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return "", false
	}
	if len(chunk.Choices) == 0 {
		return "", false
	}
	return chunk.Choices[0].Delta.Content, false
}

func valueOrNil[T any, R any](ptr *T, getter func(*T) *R) *R {
	if ptr == nil {
		return nil
	}
	return getter(ptr)
}
