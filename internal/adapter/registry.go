package adapter

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sevir/fetch/pkg/models"
)

// ErrUnknownAgent is returned when no adapter is registered for a variant.
var ErrUnknownAgent = errors.New("unknown agent")

// Registry maps agent variants to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.AgentVariant]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.AgentVariant]Adapter)}
}

// Register adds a, replacing any adapter already registered for its variant.
func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Variant()] = a
}

// Get returns the adapter for v.
func (r *Registry) Get(v models.AgentVariant) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[v]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgent, v)
	}
	return a, nil
}

// Has reports whether v is registered.
func (r *Registry) Has(v models.AgentVariant) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.adapters[v]
	return ok
}

// Variants returns the registered variants in name order.
func (r *Registry) Variants() []models.AgentVariant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.AgentVariant, 0, len(r.adapters))
	for v := range r.adapters {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Options configure the built-in adapters.
type Options struct {
	Settings         map[models.AgentVariant]Settings
	ClaudeStreamJSON bool
	Custom           []CustomSpec
}

// NewDefaultRegistry registers the built-in agents plus any custom agents.
// A custom agent may not shadow a built-in variant or "auto".
func NewDefaultRegistry(opts Options) (*Registry, error) {
	r := NewRegistry()
	r.Register(NewClaude(opts.Settings[models.AgentClaude], opts.ClaudeStreamJSON))
	r.Register(NewCopilot(opts.Settings[models.AgentCopilot]))
	r.Register(NewGemini(opts.Settings[models.AgentGemini]))
	r.Register(NewOpenCode(opts.Settings[models.AgentOpenCode]))

	for _, spec := range opts.Custom {
		v := models.AgentVariant(spec.Name)
		if v == models.AgentAuto || r.Has(v) {
			return nil, fmt.Errorf("custom agent %q conflicts with an existing agent", spec.Name)
		}
		c, err := NewCustom(spec)
		if err != nil {
			return nil, err
		}
		r.Register(c)
	}
	return r, nil
}
