package factory

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"unichat/internal/models"
	"unichat/internal/provider"
	geminiProvider "unichat/internal/provider/gemini"
	openaiProvider "unichat/internal/provider/openai"
	"unichat/internal/registry"
)

const (
	DefaultHTTPTimeout     = 60 * time.Second
	defaultDialTimeout     = 10 * time.Second
	defaultKeepAlive       = 30 * time.Second
	defaultIdleConnTimeout = 90 * time.Second
	maxConcurrentProbes    = 8
)

// Health statuses reported per provider.
const (
	StatusAvailable   = "available"
	StatusUnavailable = "unavailable"
	StatusError       = "error"
)

var errNotImplemented = errors.New("client type not yet implemented")

// KeySource resolves api_key_ref values.
type KeySource interface {
	APIKey(ref string) (string, bool)
}

// ProviderHealth is the probe outcome for one adapter handle.
type ProviderHealth struct {
	Status string   `json:"status"`
	Models []string `json:"models"`
	Error  string   `json:"error,omitempty"`
}

// Factory resolves model ids to pooled adapters. One adapter, and so one
// http.Client, exists per provider and endpoint pair.
type Factory struct {
	registry *registry.Registry
	keys     KeySource
	logger   *zap.Logger
	timeout  time.Duration

	mu       sync.RWMutex
	adapters map[string]provider.Adapter
}

// New constructs a factory. A zero timeout selects DefaultHTTPTimeout.
func New(reg *registry.Registry, keys KeySource, logger *zap.Logger, timeout time.Duration) (*Factory, error) {
	if reg == nil {
		return nil, errors.New("registry must not be nil")
	}
	if keys == nil {
		return nil, errors.New("key source must not be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}

	return &Factory{
		registry: reg,
		keys:     keys,
		logger:   logger.Named("factory"),
		timeout:  timeout,
		adapters: make(map[string]provider.Adapter),
	}, nil
}

// Resolve returns the adapter serving modelID. Unknown, disabled and
// unconstructible models all report false.
func (f *Factory) Resolve(modelID string) (provider.Adapter, bool) {
	cfg, ok := f.registry.Get(modelID)
	if !ok || !cfg.Enabled {
		f.logger.Warn("model not found or disabled", zap.String("model_id", modelID))
		return nil, false
	}

	adapter, err := f.adapterFor(cfg)
	if err != nil {
		f.logger.Warn("adapter unavailable",
			zap.String("model_id", modelID),
			zap.String("provider", cfg.Provider),
			zap.Error(err),
		)
		return nil, false
	}
	return adapter, true
}

func (f *Factory) adapterFor(cfg models.ModelConfig) (provider.Adapter, error) {
	key := cfg.CacheKey()

	f.mu.RLock()
	adapter, ok := f.adapters[key]
	f.mu.RUnlock()
	if ok {
		return adapter, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if adapter, ok := f.adapters[key]; ok {
		return adapter, nil
	}

	adapter, err := f.build(cfg)
	if err != nil {
		return nil, err
	}
	f.adapters[key] = adapter
	f.logger.Info("adapter created",
		zap.String("provider", cfg.Provider),
		zap.String("client_type", string(cfg.ClientType)),
		zap.String("cache_key", key),
	)
	return adapter, nil
}

func (f *Factory) build(cfg models.ModelConfig) (provider.Adapter, error) {
	apiKey, _ := f.keys.APIKey(cfg.APIKeyRef)

	switch cfg.ClientType {
	case models.ClientOpenAICompatible:
		return openaiProvider.New(cfg.Provider, cfg.APIBase, apiKey, newHTTPClient(f.timeout))
	case models.ClientGoogle:
		return geminiProvider.New(cfg.Provider, cfg.APIBase, apiKey, newHTTPClient(f.timeout))
	case models.ClientAnthropic:
		return nil, fmt.Errorf("%s: %w", cfg.ClientType, errNotImplemented)
	default:
		return nil, fmt.Errorf("unknown client type %q", cfg.ClientType)
	}
}

// DisableMissingCredentials disables enabled models whose API key cannot be
// resolved. Keyless OpenAI-compatible models (local servers) are left alone.
func (f *Factory) DisableMissingCredentials() []string {
	var disabled []string
	for _, cfg := range f.registry.List(true) {
		needsKey := cfg.ClientType == models.ClientGoogle || cfg.APIKeyRef != ""
		if !needsKey {
			continue
		}
		if _, ok := f.keys.APIKey(cfg.APIKeyRef); ok {
			continue
		}
		f.registry.Disable(cfg.ModelID)
		disabled = append(disabled, cfg.ModelID)
		f.logger.Warn("model disabled: credential not configured",
			zap.String("model_id", cfg.ModelID),
			zap.String("provider", cfg.Provider),
		)
	}
	return disabled
}

type probeGroup struct {
	name    string
	configs []models.ModelConfig
}

// HealthCheckAll probes each distinct adapter once, concurrently. Results are
// keyed by provider name; a provider served from several endpoints is
// reported per endpoint as "provider@api_base".
func (f *Factory) HealthCheckAll(ctx context.Context) map[string]ProviderHealth {
	groups := f.probeGroups()
	results := make([]ProviderHealth, len(groups))

	var g errgroup.Group
	g.SetLimit(maxConcurrentProbes)
	for i, group := range groups {
		g.Go(func() error {
			results[i] = f.probe(ctx, group.configs)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]ProviderHealth, len(groups))
	for i, group := range groups {
		out[group.name] = results[i]
	}
	return out
}

func (f *Factory) probeGroups() []probeGroup {
	byKey := make(map[string]int)
	perProvider := make(map[string]int)
	var groups []probeGroup

	for _, cfg := range f.registry.List(true) {
		key := cfg.CacheKey()
		if idx, ok := byKey[key]; ok {
			groups[idx].configs = append(groups[idx].configs, cfg)
			continue
		}
		byKey[key] = len(groups)
		perProvider[cfg.Provider]++
		groups = append(groups, probeGroup{configs: []models.ModelConfig{cfg}})
	}

	for i := range groups {
		first := groups[i].configs[0]
		groups[i].name = first.Provider
		if perProvider[first.Provider] > 1 {
			base := first.APIBase
			if base == "" {
				base = "default"
			}
			groups[i].name = first.Provider + "@" + base
		}
	}
	return groups
}

func (f *Factory) probe(ctx context.Context, configs []models.ModelConfig) ProviderHealth {
	ids := make([]string, 0, len(configs))
	for _, cfg := range configs {
		ids = append(ids, cfg.ModelID)
	}

	adapter, err := f.adapterFor(configs[0])
	if err != nil {
		f.logger.Warn("health check: adapter construction failed",
			zap.String("provider", configs[0].Provider),
			zap.Error(err),
		)
		return ProviderHealth{Status: StatusError, Models: ids, Error: "failed to create adapter: " + err.Error()}
	}

	if adapter.HealthCheck(ctx) {
		return ProviderHealth{Status: StatusAvailable, Models: ids}
	}
	return ProviderHealth{Status: StatusUnavailable, Models: ids}
}

// CloseAll releases every pooled client and empties the cache. Later
// resolutions rebuild adapters from scratch.
func (f *Factory) CloseAll() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for key, adapter := range f.adapters {
		adapter.Close()
		delete(f.adapters, key)
	}
	f.logger.Info("all adapters closed")
}

func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: defaultDialTimeout, KeepAlive: defaultKeepAlive}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          50,
		IdleConnTimeout:       defaultIdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
