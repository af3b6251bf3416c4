// Package provider builds inference engines from configuration and resolves
// them by name.
//
// Each provider type has a factory; BuildRegistry creates one engine per
// enabled provider and always registers the offline engine so local
// fallback has a target.
package provider

import (
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/core/ports"
	"github.com/tjfontaine/coachllm/internal/provider/anthropic"
	"github.com/tjfontaine/coachllm/internal/provider/local"
	"github.com/tjfontaine/coachllm/internal/provider/offline"
	"github.com/tjfontaine/coachllm/internal/provider/openai"
)

// Registry resolves engines by provider name.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]ports.InferenceEngine
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]ports.InferenceEngine)}
}

// Register adds or replaces an engine under its name.
func (r *Registry) Register(e ports.InferenceEngine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.Name()] = e
}

// Get returns the engine registered under name.
func (r *Registry) Get(name string) (ports.InferenceEngine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[name]
	if !ok {
		return nil, domain.ErrNoProvider(fmt.Sprintf("no engine registered for provider %q", name))
	}
	return e, nil
}

// Names lists registered engines in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.engines))
	for n := range r.engines {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Factory creates an engine for one provider configuration.
type Factory func(cfg domain.ProviderConfig, deps Deps) (ports.InferenceEngine, error)

// Deps are shared by every factory. RemoteHTTPClient serves the cloud
// providers and HTTPClient the on-device engine; nil means the engine's
// default client.
type Deps struct {
	Credentials      ports.CredentialStore
	HTTPClient       *http.Client
	RemoteHTTPClient *http.Client
}

var factories = map[domain.ProviderType]Factory{
	domain.ProviderOpenAI: func(cfg domain.ProviderConfig, deps Deps) (ports.InferenceEngine, error) {
		if deps.Credentials == nil {
			return nil, fmt.Errorf("provider %s: credentials are required", cfg.Name)
		}
		return openai.New(cfg.Name, deps.Credentials,
			openai.WithBaseURL(cfg.BaseURL), openai.WithHTTPClient(deps.RemoteHTTPClient)), nil
	},
	domain.ProviderAnthropic: func(cfg domain.ProviderConfig, deps Deps) (ports.InferenceEngine, error) {
		if deps.Credentials == nil {
			return nil, fmt.Errorf("provider %s: credentials are required", cfg.Name)
		}
		return anthropic.New(cfg.Name, deps.Credentials,
			anthropic.WithBaseURL(cfg.BaseURL), anthropic.WithHTTPClient(deps.RemoteHTTPClient)), nil
	},
	domain.ProviderLocal: func(cfg domain.ProviderConfig, deps Deps) (ports.InferenceEngine, error) {
		return local.New(cfg.Name, local.WithBaseURL(cfg.BaseURL), local.WithHTTPClient(deps.HTTPClient)), nil
	},
}

// BuildRegistry creates engines for every enabled provider. Remote engines
// with a request rate are wrapped in a limiter.
func BuildRegistry(cfgs []domain.ProviderConfig, deps Deps) (*Registry, error) {
	r := NewRegistry()

	off, err := offline.New()
	if err != nil {
		return nil, err
	}
	r.Register(off)

	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		if cfg.Name == offline.Name {
			return nil, fmt.Errorf("provider name %q is reserved", offline.Name)
		}
		factory, ok := factories[cfg.Type]
		if !ok {
			return nil, fmt.Errorf("provider %s: unsupported type %q", cfg.Name, cfg.Type)
		}
		engine, err := factory(cfg, deps)
		if err != nil {
			return nil, err
		}
		if cfg.Type.Remote() && cfg.RequestsPerSecond > 0 {
			engine = NewRateLimited(engine, cfg.RequestsPerSecond)
		}
		r.Register(engine)
	}
	return r, nil
}
