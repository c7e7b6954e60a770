package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"unichat/internal/models"
	"unichat/internal/provider"
)

func request() models.ChatRequest {
	return models.ChatRequest{
		ModelID: "gpt-4o-mini",
		Messages: []models.ChatMessage{
			{Role: models.RoleSystem, Content: "be brief"},
			{Role: models.RoleUser, Content: "hi"},
		},
		MaxTokens:   128,
		Temperature: 0.2,
	}
}

func TestChatCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var payload chatPayload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "gpt-4o-mini", payload.Model)
		assert.Len(t, payload.Messages, 2)
		assert.Equal(t, 128, payload.MaxTokens)
		assert.False(t, payload.Stream)

		_, _ = io.WriteString(w, `{"id":"x","choices":[{"index":0,"message":{"role":"assistant","content":"hello"},"finish_reason":"length"}],"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":99}}`)
	}))
	defer srv.Close()

	adapter, err := New("OpenAI", srv.URL+"/v1/", "sk-test", srv.Client())
	require.NoError(t, err)

	resp, err := adapter.ChatCompletion(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "gpt-4o-mini", resp.ModelID)
	assert.Equal(t, models.FinishLength, resp.FinishReason)
	assert.Equal(t, models.Usage{PromptTokens: 3, CompletionTokens: 1, TotalTokens: 4}, resp.Usage)
}

func TestChatCompletionWithoutKeySendsNoAuthorization(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"choices":[{"message":{"role":"assistant","content":"local"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	adapter, err := New("Local", srv.URL, "", srv.Client())
	require.NoError(t, err)

	resp, err := adapter.ChatCompletion(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "local", resp.Content)
	assert.Equal(t, models.Usage{}, resp.Usage)
}

func TestChatCompletionErrors(t *testing.T) {
	t.Run("upstream status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"error":"rate limited"}`)
		}))
		defer srv.Close()

		adapter, err := New("OpenAI", srv.URL, "sk-test", srv.Client())
		require.NoError(t, err)
		_, err = adapter.ChatCompletion(context.Background(), request())

		var providerErr *provider.ProviderError
		require.ErrorAs(t, err, &providerErr)
		assert.Equal(t, http.StatusTooManyRequests, providerErr.StatusCode)
		assert.NotContains(t, err.Error(), "sk-test")
	})

	t.Run("no choices", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"choices":[]}`)
		}))
		defer srv.Close()

		adapter, err := New("OpenAI", srv.URL, "sk-test", srv.Client())
		require.NoError(t, err)
		_, err = adapter.ChatCompletion(context.Background(), request())
		assert.True(t, errors.Is(err, provider.ErrMalformedResponse))
	})
}

func TestChatCompletionStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload chatPayload
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.True(t, payload.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, ": keep-alive\n\n")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"role\":\"assistant\"}}]}\n\n")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		_, _ = io.WriteString(w, "data: not json\n\n")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"}}]}\n\n")
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
		_, _ = io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"after\"}}]}\n\n")
	}))
	defer srv.Close()

	adapter, err := New("OpenAI", srv.URL, "sk-test", srv.Client())
	require.NoError(t, err)

	stream, err := adapter.ChatCompletionStream(context.Background(), request())
	require.NoError(t, err)
	defer stream.Close()

	var got []string
	for {
		fragment, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		got = append(got, fragment)
	}
	assert.Equal(t, []string{"Hel", "lo"}, got)
}

func TestHealthCheck(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	adapter, err := New("Local", srv.URL, "", srv.Client())
	require.NoError(t, err)
	assert.True(t, adapter.HealthCheck(context.Background()))

	status.Store(http.StatusUnauthorized)
	assert.False(t, adapter.HealthCheck(context.Background()))
}

func TestNewDefaultsBaseURL(t *testing.T) {
	adapter, err := New("OpenAI", "", "k", http.DefaultClient)
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, adapter.baseURL)

	_, err = New("OpenAI", "", "k", nil)
	require.Error(t, err)
}
