package domain

import "fmt"

// Feature names an application capability that issues inference requests.
type Feature string

const (
	FeatureChat                  Feature = "chat"
	FeatureWellnessCoaching      Feature = "wellness_coaching"
	FeaturePersonalityInsights   Feature = "personality_insights"
	FeatureContentRecommendation Feature = "content_recommendation"
	FeatureImaginationSession    Feature = "imagination_session"
	FeatureLifeAreaExploration   Feature = "life_area_exploration"
	FeatureJournalAnalysis       Feature = "journal_analysis"
	FeaturePatternRecognition    Feature = "pattern_recognition"
	FeatureBehavioralInsights    Feature = "behavioral_insights"
	FeatureOrchestrationBranch   Feature = "orchestration_branch"
)

var knownFeatures = map[Feature]bool{
	FeatureChat:                  true,
	FeatureWellnessCoaching:      true,
	FeaturePersonalityInsights:   true,
	FeatureContentRecommendation: true,
	FeatureImaginationSession:    true,
	FeatureLifeAreaExploration:   true,
	FeatureJournalAnalysis:       true,
	FeaturePatternRecognition:    true,
	FeatureBehavioralInsights:    true,
	FeatureOrchestrationBranch:   true,
}

// Valid reports whether f is a known feature.
func (f Feature) Valid() bool {
	return knownFeatures[f]
}

// LockedLocal reports whether the feature must always be processed on device.
func (f Feature) LockedLocal() bool {
	switch f {
	case FeatureJournalAnalysis, FeaturePatternRecognition, FeatureBehavioralInsights:
		return true
	}
	return false
}

// PatternReport reports whether the feature answers with a JSON pattern
// report instead of prose.
func (f Feature) PatternReport() bool {
	return f == FeaturePatternRecognition || f == FeatureBehavioralInsights
}

// ParseFeature validates a feature name.
func ParseFeature(s string) (Feature, error) {
	f := Feature(s)
	if !f.Valid() {
		return "", fmt.Errorf("unknown feature %q", s)
	}
	return f, nil
}
