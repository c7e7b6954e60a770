package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"unichat/internal/models"
)

// ErrUnknownModel indicates the requested model is not registered.
var ErrUnknownModel = errors.New("unknown model")

// ErrDuplicateModel indicates an attempt to register the same model twice.
var ErrDuplicateModel = errors.New("model already registered")

// Registry is the model catalog. Entries are immutable after registration
// except for their enabled flag.
type Registry struct {
	mu     sync.RWMutex
	models map[string]models.ModelConfig
	order  []string
}

// New constructs a registry preloaded with the given entries.
func New(entries ...models.ModelConfig) (*Registry, error) {
	r := &Registry{
		models: make(map[string]models.ModelConfig, len(entries)),
	}
	for _, entry := range entries {
		if err := r.Register(entry); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a model to the catalog.
func (r *Registry) Register(cfg models.ModelConfig) error {
	id := strings.TrimSpace(cfg.ModelID)
	if id == "" {
		return errors.New("model id must not be empty")
	}
	if !cfg.ClientType.Valid() {
		return fmt.Errorf("model %s: unsupported client_type %q", id, cfg.ClientType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.models[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateModel, id)
	}
	cfg.ModelID = id
	r.models[id] = cfg
	r.order = append(r.order, id)
	return nil
}

// Get returns a copy of the model configuration.
func (r *Registry) Get(modelID string) (models.ModelConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg, ok := r.models[modelID]
	return cfg, ok
}

// List returns the catalog in registration order.
func (r *Registry) List(enabledOnly bool) []models.ModelConfig {
	return r.filter(enabledOnly, func(models.ModelConfig) bool { return true })
}

// ListByClientType returns the models served by one adapter variant.
func (r *Registry) ListByClientType(clientType models.ClientType, enabledOnly bool) []models.ModelConfig {
	return r.filter(enabledOnly, func(m models.ModelConfig) bool { return m.ClientType == clientType })
}

// ListLocal returns locally hosted models.
func (r *Registry) ListLocal(enabledOnly bool) []models.ModelConfig {
	return r.filter(enabledOnly, func(m models.ModelConfig) bool { return m.IsLocal })
}

// Enable marks a model as available. It reports whether the model exists.
func (r *Registry) Enable(modelID string) bool {
	return r.setEnabled(modelID, true)
}

// Disable hides a model from resolution. Adapters already handed out are untouched.
func (r *Registry) Disable(modelID string) bool {
	return r.setEnabled(modelID, false)
}

// Providers returns the distinct provider names in the catalog, sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, m := range r.models {
		seen[m.Provider] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) setEnabled(modelID string, enabled bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, ok := r.models[modelID]
	if !ok {
		return false
	}
	cfg.Enabled = enabled
	r.models[modelID] = cfg
	return true
}

func (r *Registry) filter(enabledOnly bool, keep func(models.ModelConfig) bool) []models.ModelConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.ModelConfig, 0, len(r.order))
	for _, id := range r.order {
		m := r.models[id]
		if enabledOnly && !m.Enabled {
			continue
		}
		if keep(m) {
			out = append(out, m)
		}
	}
	return out
}
