package runtime

import (
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/core/ports"
	"github.com/tjfontaine/coachllm/internal/credentials"
	"github.com/tjfontaine/coachllm/internal/pkg/config"
	"github.com/tjfontaine/coachllm/internal/provider"
)

// localProviderName is the provider created from the local section.
const localProviderName = "local"

// engineSet resolves engines from the current registry. Config reloads swap
// the registry without restarting the worker.
type engineSet struct {
	current atomic.Pointer[provider.Registry]
	// remote serves cloud providers; nil uses their default clients.
	remote *http.Client
}

func (s *engineSet) Get(name string) (ports.InferenceEngine, error) {
	r := s.current.Load()
	if r == nil {
		return nil, domain.ErrNoProvider("no providers configured")
	}
	return r.Get(name)
}

// rebuild seals credentials and replaces the registry. On error the previous
// registry stays in place.
func (s *engineSet) rebuild(cfgs []domain.ProviderConfig, vault *credentials.Vault) error {
	for _, c := range cfgs {
		if c.Credential != "" {
			vault.SealString(c.Name, c.Credential)
		} else {
			vault.Remove(c.Name)
		}
	}
	r, err := provider.BuildRegistry(cfgs, provider.Deps{Credentials: vault, RemoteHTTPClient: s.remote})
	if err != nil {
		return fmt.Errorf("build providers: %w", err)
	}
	s.current.Store(r)
	return nil
}

// providerConfigs converts configured providers and the local endpoint into
// routing metadata.
func providerConfigs(cfg *config.Config) []domain.ProviderConfig {
	out := make([]domain.ProviderConfig, 0, len(cfg.Providers)+1)
	hasLocal := false
	for _, p := range cfg.Providers {
		out = append(out, domain.ProviderConfig{
			Name:              p.Name,
			Type:              domain.ProviderType(p.Type),
			Enabled:           p.Enabled,
			Credential:        p.Credential,
			BaseURL:           p.BaseURL,
			SupportedModels:   p.SupportedModels,
			RequestsPerSecond: p.RequestsPerSecond,
		})
		if p.Name == localProviderName {
			hasLocal = true
		}
	}
	if cfg.Local.BaseURL != "" && !hasLocal {
		var models []string
		if cfg.Local.Model != "" {
			models = []string{cfg.Local.Model}
		}
		out = append(out, domain.ProviderConfig{
			Name:            localProviderName,
			Type:            domain.ProviderLocal,
			Enabled:         true,
			BaseURL:         cfg.Local.BaseURL,
			SupportedModels: models,
		})
	}
	return out
}
