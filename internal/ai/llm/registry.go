package llm

import (
	"fmt"
	"sort"
	"sync"

	"github.com/irfndi/optiroute/internal/config"
	"github.com/irfndi/optiroute/internal/models"
	"go.uber.org/zap"
)

// AdapterFactory builds a client for one provider from its configuration.
type AdapterFactory func(cfg ClientConfig, logger *zap.Logger) Client

type registration struct {
	factory  AdapterFactory
	base     ClientConfig
	apiTypes map[models.APIType]struct{}
}

// Registry maps provider ids to adapter factories. It is populated once at
// startup and read concurrently afterwards.
type Registry struct {
	mu        sync.RWMutex
	providers map[Provider]registration
	logger    *zap.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger handed to adapters.
func WithRegistryLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		providers: make(map[Provider]registration),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewRegistryFromConfig registers the OpenAI and Anthropic chat adapters with
// the configured base URLs, timeouts and platform keys.
func NewRegistryFromConfig(cfg config.ProvidersConfig, opts ...RegistryOption) *Registry {
	r := NewRegistry(opts...)
	r.Register(ProviderOpenAI, func(c ClientConfig, l *zap.Logger) Client {
		return NewOpenAIClient(c, WithOpenAILogger(l))
	}, ClientConfig{
		APIKey:      cfg.OpenAI.APIKey,
		BaseURL:     cfg.OpenAI.BaseURL,
		HTTPTimeout: cfg.OpenAI.Timeout,
	}, models.APITypeChat)
	r.Register(ProviderAnthropic, func(c ClientConfig, l *zap.Logger) Client {
		return NewAnthropicClient(c, WithAnthropicLogger(l))
	}, ClientConfig{
		APIKey:      cfg.Anthropic.APIKey,
		BaseURL:     cfg.Anthropic.BaseURL,
		HTTPTimeout: cfg.Anthropic.Timeout,
	}, models.APITypeChat)
	return r
}

// Register adds or replaces a provider adapter.
func (r *Registry) Register(provider Provider, factory AdapterFactory, base ClientConfig, apiTypes ...models.APIType) {
	types := make(map[models.APIType]struct{}, len(apiTypes))
	for _, t := range apiTypes {
		types[t] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[provider] = registration{factory: factory, base: base, apiTypes: types}
}

// Supports reports whether a provider is registered for the given endpoint kind.
func (r *Registry) Supports(provider Provider, apiType models.APIType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.providers[provider]
	if !ok {
		return false
	}
	_, ok = reg.apiTypes[apiType]
	return ok
}

// Providers lists registered provider ids in sorted order.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, 0, len(r.providers))
	for p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Client builds an adapter for provider. A non-empty apiKey overrides the
// registered platform key, and pricing, when set, enables cost reporting.
func (r *Registry) Client(provider Provider, apiType models.APIType, apiKey string, pricing *Pricing) (Client, error) {
	r.mu.RLock()
	reg, ok := r.providers[provider]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnsupportedProvider{Provider: provider}
	}
	if _, ok := reg.apiTypes[apiType]; !ok {
		return nil, ErrUnsupportedAPIType{Provider: provider, APIType: apiType}
	}

	cfg := reg.base
	if apiKey != "" {
		cfg.APIKey = apiKey
	}
	if cfg.APIKey == "" {
		return nil, ErrProviderNotConfigured{Provider: provider}
	}
	cfg.Pricing = pricing

	client := reg.factory(cfg, r.logger.With(zap.String("provider", string(provider))))
	if client == nil {
		return nil, fmt.Errorf("adapter factory for %s returned nil", provider)
	}
	return client, nil
}
