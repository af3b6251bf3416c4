package domain

import "fmt"

// ProviderType identifies the kind of inference backend.
type ProviderType string

const (
	ProviderOpenAI    ProviderType = "openai"
	ProviderAnthropic ProviderType = "anthropic"
	ProviderLocal     ProviderType = "local"
	ProviderOffline   ProviderType = "offline"
)

// Remote reports whether the provider is a paid external service.
func (t ProviderType) Remote() bool {
	return t == ProviderOpenAI || t == ProviderAnthropic
}

// Tier is a coarse capability class for models.
type Tier string

const (
	TierEconomy  Tier = "economy"
	TierStandard Tier = "standard"
	TierPremium  Tier = "premium"
)

// Rank orders tiers from cheapest (0) to most capable (2).
func (t Tier) Rank() int {
	switch t {
	case TierEconomy:
		return 0
	case TierStandard:
		return 1
	case TierPremium:
		return 2
	}
	return -1
}

// ModelSpec is capability metadata for one model.
type ModelSpec struct {
	ID              string  `json:"id" koanf:"id"`
	Tier            Tier    `json:"tier" koanf:"tier"`
	CostPer1KTokens float64 `json:"costPer1kTokens" koanf:"cost_per_1k_tokens"`
	Quality         float64 `json:"quality" koanf:"quality"`
	ContextWindow   int     `json:"contextWindow" koanf:"context_window"`
}

// ProviderConfig describes one configured provider.
type ProviderConfig struct {
	Name              string       `json:"name"`
	Type              ProviderType `json:"type"`
	Enabled           bool         `json:"enabled"`
	Credential        string       `json:"-"`
	BaseURL           string       `json:"baseUrl,omitempty"`
	SupportedModels   []string     `json:"supportedModels"`
	RequestsPerSecond float64      `json:"requestsPerSecond,omitempty"`
}

// OptimizationLevel trades cost for quality when choosing a model.
type OptimizationLevel string

const (
	OptimizationAggressive   OptimizationLevel = "aggressive"
	OptimizationBalanced     OptimizationLevel = "balanced"
	OptimizationQualityFirst OptimizationLevel = "quality_first"
)

// Valid reports whether l is a known optimization level.
func (l OptimizationLevel) Valid() bool {
	switch l {
	case OptimizationAggressive, OptimizationBalanced, OptimizationQualityFirst:
		return true
	}
	return false
}

// RoutingPolicy is the persisted, user-editable routing policy.
type RoutingPolicy struct {
	OptimizationLevel OptimizationLevel `json:"optimizationLevel"`
	FallbackToLocal   bool              `json:"fallbackToLocal"`
}

// DefaultRoutingPolicy is balanced with local fallback enabled.
func DefaultRoutingPolicy() RoutingPolicy {
	return RoutingPolicy{
		OptimizationLevel: OptimizationBalanced,
		FallbackToLocal:   true,
	}
}

// Validate checks the policy.
func (p RoutingPolicy) Validate() error {
	if !p.OptimizationLevel.Valid() {
		return ErrInvalidRequest(fmt.Sprintf("unknown optimization level %q", p.OptimizationLevel))
	}
	return nil
}

// RoutingTask describes what needs to be routed.
type RoutingTask struct {
	Feature         Feature
	EstimatedTokens int
	HighStakes      bool
	PreferredTier   Tier
	RequestedModel  string

	// LocalOnly is set when the privacy enforcer disallowed external processing.
	LocalOnly bool

	// ExcludeProviders lists providers that already failed for this request.
	ExcludeProviders []string
}

// ProviderChoice is the router's decision.
type ProviderChoice struct {
	Provider string           `json:"provider"`
	Model    string           `json:"model"`
	Method   ProcessingMethod `json:"method"`
	Tier     Tier             `json:"tier,omitempty"`
	Reason   string           `json:"reason,omitempty"`
}

// Local reports whether the choice keeps data on device.
func (c ProviderChoice) Local() bool {
	return !c.Method.External()
}
