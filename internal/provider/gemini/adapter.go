package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"unichat/internal/models"
	"unichat/internal/provider"
)

const (
	// DefaultBaseURL is the public Generative Language endpoint.
	DefaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

	defaultTopP = 0.95
	defaultTopK = 40
)

// Adapter speaks the Gemini generateContent protocol. The API key travels as
// the "key" query parameter.
type Adapter struct {
	name    string
	apiKey  string
	baseURL string
	client  *http.Client
}

// New creates a Gemini adapter. A missing key is a construction failure.
func New(name, apiBase, apiKey string, client *http.Client) (*Adapter, error) {
	if client == nil {
		return nil, errors.New("http client must not be nil")
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("gemini provider %s: %w", name, provider.ErrMissingCredential)
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
	httpResp, err := a.post(ctx, req.ModelID+":generateContent", nil, buildPayload(req))
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	var providerResp generateResponse
	if err := provider.DecodeJSON(httpResp.Body, &providerResp); err != nil {
		return nil, err
	}

	return providerResp.toChatResponse(req.ModelID)
}

func (a *Adapter) ChatCompletionStream(ctx context.Context, req models.ChatRequest) (*provider.Stream, error) {
	query := url.Values{"alt": {"sse"}}
	httpResp, err := a.post(ctx, req.ModelID+":streamGenerateContent", query, buildPayload(req))
	if err != nil {
		return nil, err
	}
	return provider.NewLineStream(ctx, httpResp.Body, parseStreamLine), nil
}

// HealthCheck lists models; any failure reports false.
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.endpoint("/models", nil), nil)
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

func (a *Adapter) endpoint(path string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	query.Set("key", a.apiKey)
	return a.baseURL + path + "?" + query.Encode()
}

func (a *Adapter) post(ctx context.Context, method string, query url.Values, payload generateRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint("/models/"+method, query), bytes.NewReader(body))
	if err != nil {
		return nil, errors.New("construct gemini request")
	}
	httpReq.Header.Set("Content-Type", provider.ContentTypeJSON)
	httpReq.Header.Set("User-Agent", provider.UserAgent)

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

type generateRequest struct {
	Contents          []content        `json:"contents"`
	SystemInstruction *content         `json:"systemInstruction,omitempty"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text *string `json:"text,omitempty"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
	TopP            float64 `json:"topP"`
	TopK            int     `json:"topK"`
}

func textPart(text string) part {
	return part{Text: &text}
}

// buildPayload moves the first system message into systemInstruction and
// renames the assistant role to "model". Turn order is preserved.
func buildPayload(req models.ChatRequest) generateRequest {
	payload := generateRequest{
		Contents: make([]content, 0, len(req.Messages)),
		GenerationConfig: generationConfig{
			Temperature:     req.Temperature,
			MaxOutputTokens: req.MaxTokens,
			TopP:            defaultTopP,
			TopK:            defaultTopK,
		},
	}

	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleSystem:
			if payload.SystemInstruction == nil {
				payload.SystemInstruction = &content{Parts: []part{textPart(msg.Content)}}
			}
		case models.RoleAssistant:
			payload.Contents = append(payload.Contents, content{Role: "model", Parts: []part{textPart(msg.Content)}})
		default:
			payload.Contents = append(payload.Contents, content{Role: "user", Parts: []part{textPart(msg.Content)}})
		}
	}
	return payload
}

type generateResponse struct {
	Candidates    []candidate    `json:"candidates"`
	UsageMetadata *usageMetadata `json:"usageMetadata,omitempty"`
}

type candidate struct {
	Content      *content `json:"content"`
	FinishReason string   `json:"finishReason"`
}

type usageMetadata struct {
	PromptTokenCount     *int `json:"promptTokenCount"`
	CandidatesTokenCount *int `json:"candidatesTokenCount"`
	TotalTokenCount      *int `json:"totalTokenCount"`
}

func (r generateResponse) toChatResponse(modelID string) (*models.ChatResponse, error) {
	if len(r.Candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidates", provider.ErrMalformedResponse)
	}
	first := r.Candidates[0]
	if first.Content == nil {
		return nil, fmt.Errorf("%w: candidate without content", provider.ErrMalformedResponse)
	}

	resp := &models.ChatResponse{
		Content:      first.Content.text(),
		ModelID:      modelID,
		FinishReason: MapFinishReason(first.FinishReason),
	}
	if meta := r.UsageMetadata; meta != nil {
		resp.Usage = models.NewUsage(meta.PromptTokenCount, meta.CandidatesTokenCount, meta.TotalTokenCount)
	}
	return resp, nil
}

// text joins every text part. Truncated candidates may carry no parts at all.
func (c *content) text() string {
	var sb strings.Builder
	for _, p := range c.Parts {
		if p.Text != nil {
			sb.WriteString(*p.Text)
		}
	}
	return sb.String()
}

// MapFinishReason folds Gemini finish codes onto the OpenAI vocabulary.
// Unrecognised codes map to stop.
func MapFinishReason(reason string) models.FinishReason {
	switch strings.ToUpper(reason) {
	case "MAX_TOKENS":
		return models.FinishLength
	default:
		return models.FinishStop
	}
}

// parseStreamLine accepts SSE "data:" lines as well as bare newline-delimited
// JSON, including the array brackets and separators of the unwrapped form.
// Anything that does not decode is skipped.
func parseStreamLine(line []byte) (string, bool) {
	line = bytes.TrimSpace(line)
	line = bytes.TrimPrefix(line, []byte("data:"))
	line = bytes.TrimSpace(line)
	line = bytes.TrimLeft(line, "[,")
	line = bytes.TrimRight(line, "],")
	if len(line) == 0 {
		return "", false
	}

	var chunk generateResponse
	if err := json.Unmarshal(line, &chunk); err != nil {
		return "", false
	}
	if len(chunk.Candidates) == 0 || chunk.Candidates[0].Content == nil {
		return "", false
	}
	return chunk.Candidates[0].Content.text(), false
}
