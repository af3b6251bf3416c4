package rag

import (
	"fmt"
	"sort"
	"strings"

	"github.com/tjfontaine/coachllm/internal/core/domain"
)

// excerptLen bounds how much of each journal entry reaches the prompt.
const excerptLen = 160

// RenderPrompt formats rc and the user's input into a prompt. The output is a
// pure function of its inputs: maps are emitted in sorted key order and
// timestamps are not included.
func RenderPrompt(rc *domain.RAGContext, userInput string) string {
	return RenderContext(rc) + "## User Request\n" + userInput
}

// RenderContext formats the context sections of a prompt without the user
// request. Each section ends with a blank line.
func RenderContext(rc *domain.RAGContext) string {
	var b strings.Builder

	if rc != nil {
		if p := rc.Profile; p != nil {
			b.WriteString("## User Profile\n")
			if p.MBTIType != "" {
				fmt.Fprintf(&b, "- Personality type: %s\n", p.MBTIType)
			}
			if len(p.CoreValues) > 0 {
				fmt.Fprintf(&b, "- Core values: %s\n", strings.Join(p.CoreValues, ", "))
			}
			if p.CurrentMood != "" {
				fmt.Fprintf(&b, "- Current mood: %s\n", p.CurrentMood)
			}
			if len(p.Goals) > 0 {
				fmt.Fprintf(&b, "- Goals: %s\n", strings.Join(p.Goals, ", "))
			}
			b.WriteString("\n")
		}

		if j := rc.Journal; j != nil && (len(j.RecentEntries) > 0 || len(j.Patterns) > 0) {
			b.WriteString("## Journal Insights\n")
			fmt.Fprintf(&b, "- Entries in range: %d (%.1f per week)\n", j.EntriesInRange, j.FrequencyPerWeek)
			for _, p := range j.Patterns {
				fmt.Fprintf(&b, "- Recurring theme: %s (%d entries)\n", p.Theme, p.Occurrences)
			}
			if len(j.EmotionalTrend) > 0 {
				fmt.Fprintf(&b, "- Moods: %s\n", formatCounts(j.EmotionalTrend))
			}
			for _, e := range j.RecentEntries {
				fmt.Fprintf(&b, "- Recent: %s\n", excerpt(e.Content))
			}
			b.WriteString("\n")
		}

		if c := rc.Community; c != nil && (len(c.RelevantTopics) > 0 || len(c.CommonChallenges) > 0 || len(c.SuccessfulStrategies) > 0) {
			b.WriteString("## Community Insights\n")
			if len(c.RelevantTopics) > 0 {
				fmt.Fprintf(&b, "- Trending topics: %s\n", strings.Join(c.RelevantTopics, ", "))
			}
			if len(c.CommonChallenges) > 0 {
				fmt.Fprintf(&b, "- Common challenges: %s\n", strings.Join(c.CommonChallenges, ", "))
			}
			if len(c.SuccessfulStrategies) > 0 {
				fmt.Fprintf(&b, "- Strategies that work: %s\n", strings.Join(c.SuccessfulStrategies, ", "))
			}
			b.WriteString("\n")
		}

		if c := rc.Content; c != nil {
			groups := []struct {
				label string
				items []domain.ContentItem
			}{
				{"Article", c.Articles},
				{"Exercise", c.Exercises},
				{"Video", c.Videos},
				{"Tool", c.Tools},
			}
			var lines []string
			for _, g := range groups {
				for _, item := range g.items {
					lines = append(lines, fmt.Sprintf("- %s: %s", g.label, item.Title))
				}
			}
			if len(lines) > 0 {
				b.WriteString("## Recommended Content\n")
				b.WriteString(strings.Join(lines, "\n"))
				b.WriteString("\n\n")
			}
		}

		fmt.Fprintf(&b, "Context relevance: %d/100\n\n", rc.RelevanceScore)
	}
	return b.String()
}

func formatCounts(m map[string]int) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%d", k, m[k])
	}
	return strings.Join(parts, ", ")
}

func excerpt(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= excerptLen {
		return s
	}
	return string(r[:excerptLen]) + "..."
}
