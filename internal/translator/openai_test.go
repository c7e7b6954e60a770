package translator

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unichat/internal/models"
)

func TestChatCompletionRequestAcceptsModelAliasAndDefaults(t *testing.T) {
	var req ChatCompletionRequest
	require.NoError(t, json.Unmarshal([]byte(`{"model":" gpt-4o ","messages":[{"role":"user","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}]}`), &req))

	canonical := req.ToChatRequest()
	assert.Equal(t, "gpt-4o", canonical.ModelID)
	assert.Equal(t, DefaultMaxTokens, canonical.MaxTokens)
	assert.Equal(t, DefaultTemperature, canonical.Temperature)
	require.Len(t, canonical.Messages, 1)
	assert.Equal(t, models.RoleUser, canonical.Messages[0].Role)
	assert.Equal(t, "ab", canonical.Messages[0].Content)
}

func TestChatCompletionRequestModelIDWins(t *testing.T) {
	var req ChatCompletionRequest
	require.NoError(t, json.Unmarshal([]byte(`{"model_id":"m1","model":"m2","max_tokens":0,"temperature":0,"stream":true,"messages":[]}`), &req))

	canonical := req.ToChatRequest()
	assert.Equal(t, "m1", canonical.ModelID)
	assert.Equal(t, 0, canonical.MaxTokens, "explicit values are kept for validation")
	assert.Equal(t, 0.0, canonical.Temperature)
	assert.True(t, canonical.Stream)
}

func TestChatMessageRejectsUnsupportedContent(t *testing.T) {
	var req ChatCompletionRequest
	err := json.Unmarshal([]byte(`{"model_id":"m","messages":[{"role":"user","content":[{"type":"image_url"}]}]}`), &req)
	assert.ErrorIs(t, err, errInvalidContent)

	err = json.Unmarshal([]byte(`{"model_id":"m","messages":[{"role":"user"}]}`), &req)
	assert.ErrorIs(t, err, errInvalidContent)
}

func TestFromChatResponseAlwaysIncludesUsage(t *testing.T) {
	resp := FromChatResponse("chatcmpl-1", 42, &models.ChatResponse{
		Content:      "hi",
		ModelID:      "m1",
		FinishReason: models.FinishLength,
	})

	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id":"chatcmpl-1","object":"chat.completion","created":42,"model":"m1",
		"choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"length"}],
		"usage":{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}
	}`, string(raw))
}

func TestChunkBuilderFrames(t *testing.T) {
	b := ChunkBuilder{ID: "chatcmpl-x", Created: 7, Model: "m1"}

	cases := map[string]struct {
		chunk ChatCompletionChunk
		want  string
	}{
		"initial": {b.Initial(), `{"id":"chatcmpl-x","object":"chat.completion.chunk","created":7,"model":"m1","choices":[{"index":0,"delta":{"role":"assistant","content":""},"finish_reason":null}]}`},
		"content": {b.Content("Hel"), `{"id":"chatcmpl-x","object":"chat.completion.chunk","created":7,"model":"m1","choices":[{"index":0,"delta":{"content":"Hel"},"finish_reason":null}]}`},
		"final":   {b.Final(), `{"id":"chatcmpl-x","object":"chat.completion.chunk","created":7,"model":"m1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`},
		"failed":  {b.Failed(), `{"id":"chatcmpl-x","object":"chat.completion.chunk","created":7,"model":"m1","choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"error":{"message":"Stream interrupted due to error","type":"server_error"}}`},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			raw, err := json.Marshal(tc.chunk)
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, string(raw))
		})
	}
}

func TestNewCompletionID(t *testing.T) {
	id := NewCompletionID()
	assert.True(t, strings.HasPrefix(id, "chatcmpl-"))
	assert.Len(t, id, len("chatcmpl-")+12)
	assert.NotEqual(t, id, NewCompletionID())
}

func TestFromModelConfigs(t *testing.T) {
	list := FromModelConfigs([]models.ModelConfig{
		{ModelID: "gpt-4o", Name: "GPT-4o", Provider: "OpenAI", MaxTokens: 4096, ContextLength: 128000},
		{ModelID: "llama", Provider: "Local", IsLocal: true},
	})

	assert.Equal(t, "list", list.Object)
	require.Len(t, list.Data, 2)
	assert.Equal(t, "OpenAI - GPT-4o", list.Data[0].Description)
	assert.True(t, list.Data[0].SupportsStreaming)
	assert.Equal(t, "llama", list.Data[1].Name)
	assert.True(t, list.Data[1].IsLocal)
}
