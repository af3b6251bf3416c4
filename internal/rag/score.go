package rag

import "github.com/tjfontaine/coachllm/internal/core/domain"

const maxRelevance = 100

// Score rates how much usable context rc carries, from 0 to 100. Sources the
// query did not ask for contribute nothing.
func Score(rc *domain.RAGContext) int {
	if rc == nil {
		return 0
	}
	score := 0

	if p := rc.Profile; p != nil {
		if p.MBTIType != "" {
			score += 25
		}
		if len(p.Goals) > 0 {
			score += 15
		}
	}

	if j := rc.Journal; rc.Query.IncludeJournalHistory && j != nil {
		if len(j.RecentEntries) > 0 {
			score += 20
		}
		if len(j.Patterns) > 0 {
			score += 10
		}
	}

	if c := rc.Community; rc.Query.IncludeCommunityTrends && c != nil {
		if len(c.RelevantTopics) > 0 {
			score += 15
		}
		if len(c.Trends) > 0 {
			score += 5
		}
	}

	if c := rc.Content; rc.Query.IncludeContentLibrary && c != nil {
		if len(c.Articles) > 0 {
			score += 5
		}
		if len(c.Exercises) > 0 {
			score += 5
		}
	}

	if score > maxRelevance {
		return maxRelevance
	}
	return score
}
