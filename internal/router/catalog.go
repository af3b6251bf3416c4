package router

import (
	"fmt"

	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/pkg/config"
)

// OfflineProvider and OfflineModel name the templated responder that is
// always available on device.
const (
	OfflineProvider = "offline"
	OfflineModel    = "offline-templates"
)

// Catalog is capability metadata keyed by model ID.
type Catalog map[string]domain.ModelSpec

// DefaultCatalog returns the built-in model metadata. Costs are relative
// per 1K tokens; quality is a 0..1 score.
func DefaultCatalog() Catalog {
	specs := []domain.ModelSpec{
		{ID: "gpt-4o-mini", Tier: domain.TierEconomy, CostPer1KTokens: 0.15, Quality: 0.70, ContextWindow: 128000},
		{ID: "gpt-4o", Tier: domain.TierStandard, CostPer1KTokens: 2.50, Quality: 0.86, ContextWindow: 128000},
		{ID: "gpt-4.1", Tier: domain.TierPremium, CostPer1KTokens: 4.00, Quality: 0.90, ContextWindow: 1000000},
		{ID: "claude-3-5-haiku-latest", Tier: domain.TierEconomy, CostPer1KTokens: 0.80, Quality: 0.72, ContextWindow: 200000},
		{ID: "claude-sonnet-4-5", Tier: domain.TierStandard, CostPer1KTokens: 3.00, Quality: 0.89, ContextWindow: 200000},
		{ID: "claude-opus-4-1", Tier: domain.TierPremium, CostPer1KTokens: 15.00, Quality: 0.95, ContextWindow: 200000},
		{ID: "llama3.2", Tier: domain.TierEconomy, CostPer1KTokens: 0, Quality: 0.55, ContextWindow: 8192},
		{ID: OfflineModel, Tier: domain.TierEconomy, CostPer1KTokens: 0, Quality: 0.30, ContextWindow: 0},
	}
	c := make(Catalog, len(specs))
	for _, s := range specs {
		c[s.ID] = s
	}
	return c
}

// Merge overlays configured models onto c and returns c.
func (c Catalog) Merge(models []config.ModelConfig) (Catalog, error) {
	for _, m := range models {
		if m.ID == "" {
			return nil, fmt.Errorf("routing.models: id is required")
		}
		tier := domain.Tier(m.Tier)
		if tier.Rank() < 0 {
			return nil, fmt.Errorf("routing.models.%s: unknown tier %q", m.ID, m.Tier)
		}
		c[m.ID] = domain.ModelSpec{
			ID:              m.ID,
			Tier:            tier,
			CostPer1KTokens: m.CostPer1KTokens,
			Quality:         m.Quality,
			ContextWindow:   m.ContextWindow,
		}
	}
	return c, nil
}

// fits reports whether the model can hold tokens. Unknown sizes fit.
func fits(spec domain.ModelSpec, tokens int) bool {
	return spec.ContextWindow == 0 || tokens <= 0 || tokens <= spec.ContextWindow
}

// EstimateCost is the relative cost of processing tokens with model. Models
// missing from the catalog cost nothing.
func (c Catalog) EstimateCost(model string, tokens int) float64 {
	spec, ok := c[model]
	if !ok {
		return 0
	}
	return spec.CostPer1KTokens * float64(tokens) / 1000
}
