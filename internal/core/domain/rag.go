package domain

import "time"

// Timeframe is a journal retrieval window.
type Timeframe string

const (
	TimeframeWeek    Timeframe = "week"
	TimeframeMonth   Timeframe = "month"
	TimeframeQuarter Timeframe = "quarter"
	TimeframeYear    Timeframe = "year"
)

// Days returns the window length. Unknown or empty timeframes use a month.
func (t Timeframe) Days() int {
	switch t {
	case TimeframeWeek:
		return 7
	case TimeframeQuarter:
		return 90
	case TimeframeYear:
		return 365
	default:
		return 30
	}
}

// ContextDepth bounds how much context is gathered.
type ContextDepth string

const (
	DepthShallow ContextDepth = "shallow"
	DepthMedium  ContextDepth = "medium"
	DepthDeep    ContextDepth = "deep"
)

// EntryLimit is the number of journal entries kept at this depth.
func (d ContextDepth) EntryLimit() int {
	switch d {
	case DepthShallow:
		return 3
	case DepthDeep:
		return 15
	default:
		return 7
	}
}

// ContentLimit is the number of content items kept per kind at this depth.
func (d ContextDepth) ContentLimit() int {
	switch d {
	case DepthShallow:
		return 2
	case DepthDeep:
		return 8
	default:
		return 4
	}
}

// RAGQuery asks the aggregator for context.
type RAGQuery struct {
	UserID                 string       `json:"userId" validate:"required"`
	QueryType              string       `json:"queryType" validate:"required"`
	UserInput              string       `json:"userInput"`
	ContextDepth           ContextDepth `json:"contextDepth,omitempty" validate:"omitempty,oneof=shallow medium deep"`
	MBTIOptimization       bool         `json:"mbtiOptimization"`
	IncludeJournalHistory  bool         `json:"includeJournalHistory"`
	IncludeCommunityTrends bool         `json:"includeCommunityTrends"`
	IncludeContentLibrary  bool         `json:"includeContentLibrary"`
	TimeRange              Timeframe    `json:"timeRange,omitempty" validate:"omitempty,oneof=week month quarter year"`
	SpecificDomains        []string     `json:"specificDomains,omitempty"`
}

// UserProfile is the personality profile of a user.
type UserProfile struct {
	UserID      string   `json:"userId"`
	MBTIType    string   `json:"mbtiType,omitempty"`
	CoreValues  []string `json:"coreValues,omitempty"`
	CurrentMood string   `json:"currentMood,omitempty"`
	Goals       []string `json:"goals,omitempty"`
}

// JournalEntry is one stored journal entry.
type JournalEntry struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Content   string    `json:"content"`
	Mood      string    `json:"mood,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ThematicPattern is a recurring theme across journal entries.
type ThematicPattern struct {
	Theme       string  `json:"theme" validate:"required"`
	Occurrences int     `json:"occurrences" validate:"gte=1"`
	Strength    float64 `json:"strength" validate:"gte=0,lte=1"`
}

// JournalContext summarizes journal history in the query window.
type JournalContext struct {
	RecentEntries  []JournalEntry    `json:"recentEntries"`
	EntriesInRange int               `json:"entriesInRange"`
	Patterns       []ThematicPattern `json:"patterns"`
	EmotionalTrend map[string]int    `json:"emotionalTrend"`
	// FrequencyPerWeek is entries per week across the window.
	FrequencyPerWeek float64 `json:"frequencyPerWeek"`
}

// TrendRecord is one community trend observation.
type TrendRecord struct {
	Topic      string    `json:"topic"`
	MBTIType   string    `json:"mbtiType,omitempty"`
	Domain     string    `json:"domain,omitempty"`
	Mentions   int       `json:"mentions"`
	ObservedAt time.Time `json:"observedAt"`
}

// TypeInsight is aggregated community knowledge for a personality type.
type TypeInsight struct {
	MBTIType             string   `json:"mbtiType"`
	CommonChallenges     []string `json:"commonChallenges,omitempty"`
	SuccessfulStrategies []string `json:"successfulStrategies,omitempty"`
}

// CommunityContext summarizes community signals relevant to the user.
type CommunityContext struct {
	RelevantTopics       []string      `json:"relevantTopics"`
	Trends               []TrendRecord `json:"trends"`
	CommonChallenges     []string      `json:"commonChallenges,omitempty"`
	SuccessfulStrategies []string      `json:"successfulStrategies,omitempty"`
}

// ContentKind is a content library item kind.
type ContentKind string

const (
	ContentArticle  ContentKind = "article"
	ContentExercise ContentKind = "exercise"
	ContentVideo    ContentKind = "video"
	ContentTool     ContentKind = "tool"
)

// ContentItem is one content library entry.
type ContentItem struct {
	ID        string      `json:"id"`
	Kind      ContentKind `json:"kind"`
	Title     string      `json:"title"`
	Summary   string      `json:"summary,omitempty"`
	URL       string      `json:"url,omitempty"`
	Domains   []string    `json:"domains,omitempty"`
	MBTITypes []string    `json:"mbtiTypes,omitempty"`
}

// ContentContext is the candidate content for a query.
type ContentContext struct {
	Articles  []ContentItem `json:"articles"`
	Exercises []ContentItem `json:"exercises"`
	Videos    []ContentItem `json:"videos"`
	Tools     []ContentItem `json:"tools"`
}

// RAGContext is built fresh for every query and never persisted as a unit.
type RAGContext struct {
	Query          RAGQuery          `json:"query"`
	Profile        *UserProfile      `json:"profile,omitempty"`
	Journal        *JournalContext   `json:"journal,omitempty"`
	Community      *CommunityContext `json:"community,omitempty"`
	Content        *ContentContext   `json:"content,omitempty"`
	RelevanceScore int               `json:"relevanceScore"`
	// Degraded lists sources whose retrieval failed and fell back to empty.
	Degraded    []string  `json:"degraded,omitempty"`
	RetrievedAt time.Time `json:"retrievedAt"`
}
