// Package router chooses where inference runs under the cost/quality routing
// policy and the local fallback rule.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/core/ports"
)

// Selection reasons reported in ProviderChoice.Reason.
const (
	ReasonRequestedModel = "requested_model"
	ReasonCheapest       = "cheapest_capable"
	ReasonBalanced       = "balanced_tier"
	ReasonHighStakes     = "high_stakes"
	ReasonQualityFirst   = "quality_first"
	ReasonLocalOnly      = "privacy_local_only"
	ReasonNoRemote       = "no_remote_provider"
	ReasonFallback       = "fallback"
)

// Router holds provider capability metadata and the routing policy. Selection
// itself is a pure function of the task, the policy and the provider set.
type Router struct {
	mu        sync.RWMutex
	providers []domain.ProviderConfig
	catalog   Catalog
	policy    domain.RoutingPolicy
	store     ports.PolicyStore
	logger    *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithCatalog replaces the model catalog.
func WithCatalog(c Catalog) Option {
	return func(r *Router) {
		if c != nil {
			r.catalog = c
		}
	}
}

// WithPolicyStore persists policy updates.
func WithPolicyStore(s ports.PolicyStore) Option {
	return func(r *Router) { r.store = s }
}

// WithPolicy sets the initial policy.
func WithPolicy(p domain.RoutingPolicy) Option {
	return func(r *Router) { r.policy = p }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates a router over the given providers.
func New(providers []domain.ProviderConfig, opts ...Option) (*Router, error) {
	r := &Router{
		catalog: DefaultCatalog(),
		policy:  domain.DefaultRoutingPolicy(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.policy.Validate(); err != nil {
		return nil, err
	}
	if err := r.UpdateProviders(providers); err != nil {
		return nil, err
	}
	return r, nil
}

// LoadPolicy replaces the in-memory policy with the persisted one, if any.
func (r *Router) LoadPolicy(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	p, err := r.store.LoadRoutingPolicy(ctx)
	if err != nil {
		return fmt.Errorf("load routing policy: %w", err)
	}
	if p == nil {
		return nil
	}
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.policy = *p
	r.mu.Unlock()
	return nil
}

// Policy returns the current routing policy.
func (r *Router) Policy() domain.RoutingPolicy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policy
}

// UpdatePolicy validates, persists and applies a new policy.
func (r *Router) UpdatePolicy(ctx context.Context, p domain.RoutingPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if r.store != nil {
		if err := r.store.SaveRoutingPolicy(ctx, p); err != nil {
			return fmt.Errorf("save routing policy: %w", err)
		}
	}
	r.mu.Lock()
	r.policy = p
	r.mu.Unlock()

	r.logger.Info("routing policy updated",
		slog.String("optimization_level", string(p.OptimizationLevel)),
		slog.Bool("fallback_to_local", p.FallbackToLocal))
	return nil
}

// UpdateProviders replaces the provider set, typically after a config reload.
func (r *Router) UpdateProviders(cfgs []domain.ProviderConfig) error {
	seen := make(map[string]bool, len(cfgs))
	out := make([]domain.ProviderConfig, 0, len(cfgs))
	for _, c := range cfgs {
		if c.Name == "" {
			return domain.ErrInvalidRequest("provider name is required")
		}
		if seen[c.Name] {
			return domain.ErrInvalidRequest(fmt.Sprintf("duplicate provider %q", c.Name))
		}
		seen[c.Name] = true
		switch c.Type {
		case domain.ProviderOpenAI, domain.ProviderAnthropic, domain.ProviderLocal:
		default:
			return domain.ErrInvalidRequest(fmt.Sprintf("provider %s: unknown type %q", c.Name, c.Type))
		}
		c.SupportedModels = append([]string(nil), c.SupportedModels...)
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	r.mu.Lock()
	r.providers = out
	r.mu.Unlock()
	return nil
}

// Providers returns the configured providers, credentials omitted.
func (r *Router) Providers() []domain.ProviderConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ProviderConfig, len(r.providers))
	for i, p := range r.providers {
		p.Credential = ""
		out[i] = p
	}
	return out
}

// Catalog returns the model catalog.
func (r *Router) Catalog() Catalog {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.catalog
}

// EstimateCost prices tokens on model using the current catalog.
func (r *Router) EstimateCost(model string, tokens int) float64 {
	return r.Catalog().EstimateCost(model, tokens)
}

type candidate struct {
	provider string
	spec     domain.ModelSpec
}

// SelectProvider chooses where a task runs under policy. Privacy-pinned tasks
// always go local. When no remote model is usable the local target is
// returned if the policy allows fallback; otherwise selection fails with a
// no provider error.
func (r *Router) SelectProvider(task domain.RoutingTask, policy domain.RoutingPolicy) (domain.ProviderChoice, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if task.LocalOnly {
		return r.localTarget(task, ReasonLocalOnly)
	}

	cands := r.remoteCandidates(task)
	if len(cands) == 0 {
		if policy.FallbackToLocal {
			return r.localTarget(task, ReasonNoRemote)
		}
		return domain.ProviderChoice{}, domain.ErrNoProvider("no remote provider is enabled and local fallback is disabled")
	}

	if task.RequestedModel != "" {
		for _, c := range cands {
			if c.spec.ID == task.RequestedModel {
				return remoteChoice(c, ReasonRequestedModel), nil
			}
		}
	}

	switch policy.OptimizationLevel {
	case domain.OptimizationAggressive:
		return remoteChoice(cheapest(cands), ReasonCheapest), nil
	case domain.OptimizationQualityFirst:
		return remoteChoice(best(cands), ReasonQualityFirst), nil
	default:
		if task.HighStakes {
			return remoteChoice(best(cands), ReasonHighStakes), nil
		}
		// A preferred tier may lower the target; only HighStakes reaches premium.
		target := domain.TierStandard
		if r := task.PreferredTier.Rank(); r >= 0 && r <= domain.TierStandard.Rank() {
			target = task.PreferredTier
		}
		return remoteChoice(nearestTier(cands, target), ReasonBalanced), nil
	}
}

// Fallback returns the local target used after a failed call. It is the only
// fallback path: callers invoke it once per request.
func (r *Router) Fallback(task domain.RoutingTask, policy domain.RoutingPolicy) (domain.ProviderChoice, error) {
	if !policy.FallbackToLocal && !task.LocalOnly {
		return domain.ProviderChoice{}, domain.ErrNoProvider("local fallback is disabled")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.localTarget(task, ReasonFallback)
}

// localTarget is the first enabled on-device provider, else the offline
// templates. Providers the task already excluded are skipped.
func (r *Router) localTarget(task domain.RoutingTask, reason string) (domain.ProviderChoice, error) {
	excluded := toSet(task.ExcludeProviders)
	for _, p := range r.providers {
		if !p.Enabled || p.Type != domain.ProviderLocal || excluded[p.Name] || len(p.SupportedModels) == 0 {
			continue
		}
		model := p.SupportedModels[0]
		return domain.ProviderChoice{
			Provider: p.Name,
			Model:    model,
			Method:   domain.MethodLocalInference,
			Tier:     r.catalog[model].Tier,
			Reason:   reason,
		}, nil
	}
	if excluded[OfflineProvider] {
		return domain.ProviderChoice{}, domain.ErrNoProvider("every local target already failed")
	}
	return domain.ProviderChoice{
		Provider: OfflineProvider,
		Model:    OfflineModel,
		Method:   domain.MethodOfflineFallback,
		Tier:     domain.TierEconomy,
		Reason:   reason,
	}, nil
}

func (r *Router) remoteCandidates(task domain.RoutingTask) []candidate {
	excluded := toSet(task.ExcludeProviders)
	var out []candidate
	for _, p := range r.providers {
		if !p.Enabled || !p.Type.Remote() || excluded[p.Name] {
			continue
		}
		for _, m := range p.SupportedModels {
			spec, ok := r.catalog[m]
			if !ok {
				r.logger.Debug("model missing from catalog", slog.String("provider", p.Name), slog.String("model", m))
				continue
			}
			if !fits(spec, task.EstimatedTokens) {
				continue
			}
			out = append(out, candidate{provider: p.Name, spec: spec})
		}
	}
	return out
}

func remoteChoice(c candidate, reason string) domain.ProviderChoice {
	return domain.ProviderChoice{
		Provider: c.provider,
		Model:    c.spec.ID,
		Method:   domain.MethodExternalAPI,
		Tier:     c.spec.Tier,
		Reason:   reason,
	}
}

// cheapest picks minimum cost, breaking ties by quality then name.
func cheapest(cands []candidate) candidate {
	return pick(cands, func(a, b candidate) bool {
		if a.spec.CostPer1KTokens != b.spec.CostPer1KTokens {
			return a.spec.CostPer1KTokens < b.spec.CostPer1KTokens
		}
		return a.spec.Quality > b.spec.Quality
	})
}

// best picks maximum quality, breaking ties by cost then name.
func best(cands []candidate) candidate {
	return pick(cands, func(a, b candidate) bool {
		if a.spec.Quality != b.spec.Quality {
			return a.spec.Quality > b.spec.Quality
		}
		return a.spec.CostPer1KTokens < b.spec.CostPer1KTokens
	})
}

// nearestTier picks the cheapest model in the target tier, or in the closest
// tier to it, preferring the cheaper side on equal distance.
func nearestTier(cands []candidate, target domain.Tier) candidate {
	return pick(cands, func(a, b candidate) bool {
		da, db := distance(a.spec.Tier, target), distance(b.spec.Tier, target)
		if da != db {
			return da < db
		}
		if a.spec.Tier != b.spec.Tier {
			return a.spec.Tier.Rank() < b.spec.Tier.Rank()
		}
		return a.spec.CostPer1KTokens < b.spec.CostPer1KTokens
	})
}

func distance(a, b domain.Tier) int {
	d := a.Rank() - b.Rank()
	if d < 0 {
		return -d
	}
	return d
}

// pick returns the first candidate under less, with provider and model name
// as the final deterministic tie breaker.
func pick(cands []candidate, less func(a, b candidate) bool) candidate {
	sorted := append([]candidate(nil), cands...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if less(a, b) {
			return true
		}
		if less(b, a) {
			return false
		}
		if a.provider != b.provider {
			return a.provider < b.provider
		}
		return a.spec.ID < b.spec.ID
	})
	return sorted[0]
}

func toSet(list []string) map[string]bool {
	set := make(map[string]bool, len(list))
	for _, s := range list {
		set[s] = true
	}
	return set
}
