package orchestration

import "github.com/tjfontaine/coachllm/internal/core/domain"

// Profile configures one orchestration branch.
type Profile struct {
	ID           domain.BranchID
	Label        string
	SystemPrompt string
	Temperature  float64
	// PreferredTier steers the balanced routing policy toward a model class
	// at or below standard. Premium models are reached through HighStakes.
	PreferredTier domain.Tier
}

// DefaultProfiles are the three evaluative perspectives.
func DefaultProfiles() map[domain.BranchID]Profile {
	return map[domain.BranchID]Profile{
		domain.BranchAesthetic: {
			ID:    domain.BranchAesthetic,
			Label: "Creative perspective",
			SystemPrompt: "You are the aesthetic and creative voice of a personal development coach. " +
				"Respond with imagery, possibility and emotional resonance. Offer one concrete creative practice.",
			Temperature:   0.9,
			PreferredTier: domain.TierStandard,
		},
		domain.BranchCognitive: {
			ID:    domain.BranchCognitive,
			Label: "Strategic perspective",
			SystemPrompt: "You are the cognitive and strategic voice of a personal development coach. " +
				"Break the situation into causes, options and next steps. Be specific and brief.",
			Temperature:   0.3,
			PreferredTier: domain.TierStandard,
		},
		domain.BranchEthical: {
			ID:    domain.BranchEthical,
			Label: "Values perspective",
			SystemPrompt: "You are the ethical and rhythmic voice of a personal development coach. " +
				"Weigh the situation against the person's values, relationships and sustainable pace.",
			Temperature:   0.5,
			PreferredTier: domain.TierStandard,
		},
	}
}
