package provider

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"unichat/internal/models"
)

// ErrMalformedResponse indicates the provider answered 2xx with a payload that
// cannot be mapped to a chat response.
var ErrMalformedResponse = errors.New("malformed provider response")

// ErrMissingCredential indicates an adapter could not be built because its API key is unavailable.
var ErrMissingCredential = errors.New("missing provider credential")

// Adapter normalises one provider wire protocol to the internal chat contract.
type Adapter interface {
	Name() string
	ChatCompletion(ctx context.Context, req models.ChatRequest) (*models.ChatResponse, error)
	ChatCompletionStream(ctx context.Context, req models.ChatRequest) (*Stream, error)
	HealthCheck(ctx context.Context) bool
	Close()
}

// ProviderError reports a non-2xx answer from an upstream provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("provider %s returned status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("provider %s returned status %d: %s", e.Provider, e.StatusCode, e.Body)
}

// TransportError wraps a failed round trip. The request URL is dropped so
// credentials carried in query strings never reach error text.
func TransportError(providerName string, err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	return fmt.Errorf("provider %s request failed: %w", providerName, err)
}
