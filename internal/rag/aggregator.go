// Package rag assembles retrieval-augmented context for inference requests
// from the user's profile, journal history, community signals and the
// content library.
package rag

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/core/ports"
	"github.com/tjfontaine/coachllm/internal/telemetry"
)

// Source names used in RAGContext.Degraded.
const (
	SourceProfile   = "profile"
	SourceJournal   = "journal"
	SourceCommunity = "community"
	SourceContent   = "content"
)

var contentKinds = []domain.ContentKind{
	domain.ContentArticle,
	domain.ContentExercise,
	domain.ContentVideo,
	domain.ContentTool,
}

// Aggregator retrieves and scores context. Each source fails independently:
// a failed source contributes an empty result and is listed as degraded.
type Aggregator struct {
	profiles  ports.ProfileStore
	journal   ports.JournalStore
	community ports.CommunitySource
	content   ports.ContentLibrary
	lexicon   *Lexicon
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithClock overrides the clock used for journal windows.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithLexicon replaces the theme lexicon.
func WithLexicon(l *Lexicon) Option {
	return func(a *Aggregator) {
		if l != nil {
			a.lexicon = l
		}
	}
}

// Sources are the stores the aggregator reads. Any may be nil, in which case
// that source yields nothing.
type Sources struct {
	Profiles  ports.ProfileStore
	Journal   ports.JournalStore
	Community ports.CommunitySource
	Content   ports.ContentLibrary
}

// New creates an aggregator.
func New(src Sources, opts ...Option) (*Aggregator, error) {
	lex, err := DefaultLexicon()
	if err != nil {
		return nil, err
	}
	a := &Aggregator{
		profiles:  src.Profiles,
		journal:   src.Journal,
		community: src.Community,
		content:   src.Content,
		lexicon:   lex,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Retrieve builds a fresh context for the query. Only an invalid query is an
// error; source failures degrade the context instead.
func (a *Aggregator) Retrieve(ctx context.Context, q domain.RAGQuery) (*domain.RAGContext, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "rag.Retrieve")
	defer span.End()

	if err := domain.Validate(&q); err != nil {
		return nil, err
	}
	if q.ContextDepth == "" {
		q.ContextDepth = domain.DepthMedium
	}
	if q.TimeRange == "" {
		q.TimeRange = domain.TimeframeMonth
	}

	rc := &domain.RAGContext{Query: q, RetrievedAt: a.now().UTC()}
	degraded := make(map[string]bool)

	// The profile comes first: its personality type personalizes the
	// community and content lookups.
	profile, err := a.retrieveProfile(ctx, q.UserID)
	if err != nil {
		a.degrade(degraded, SourceProfile, q, err)
	}
	rc.Profile = profile

	mbtiType := ""
	if profile != nil && q.MBTIOptimization {
		mbtiType = profile.MBTIType
	}

	var journal *domain.JournalContext
	var community *domain.CommunityContext
	var content *domain.ContentContext
	var journalErr, communityErr, contentErr error

	g, gctx := errgroup.WithContext(ctx)
	if q.IncludeJournalHistory {
		g.Go(func() error {
			journal, journalErr = a.retrieveJournal(gctx, q)
			return nil
		})
	}
	if q.IncludeCommunityTrends {
		g.Go(func() error {
			community, communityErr = a.retrieveCommunity(gctx, q, mbtiType)
			return nil
		})
	}
	if q.IncludeContentLibrary {
		g.Go(func() error {
			content, contentErr = a.retrieveContent(gctx, q, mbtiType)
			return nil
		})
	}
	_ = g.Wait()

	if q.IncludeJournalHistory {
		if journalErr != nil {
			a.degrade(degraded, SourceJournal, q, journalErr)
			journal = emptyJournal()
		}
		rc.Journal = journal
	}
	if q.IncludeCommunityTrends {
		if communityErr != nil {
			a.degrade(degraded, SourceCommunity, q, communityErr)
			community = emptyCommunity()
		}
		rc.Community = community
	}
	if q.IncludeContentLibrary {
		if contentErr != nil {
			a.degrade(degraded, SourceContent, q, contentErr)
			content = emptyContent()
		}
		rc.Content = content
	}

	for src := range degraded {
		rc.Degraded = append(rc.Degraded, src)
	}
	sort.Strings(rc.Degraded)

	rc.RelevanceScore = Score(rc)
	telemetry.RAGRelevance.Observe(float64(rc.RelevanceScore))
	span.SetAttributes(
		attribute.Int("rag.relevance_score", rc.RelevanceScore),
		attribute.StringSlice("rag.degraded", rc.Degraded),
	)
	return rc, nil
}

func (a *Aggregator) degrade(set map[string]bool, source string, q domain.RAGQuery, err error) {
	set[source] = true
	a.logger.Warn("context source unavailable",
		slog.String("source", source),
		slog.String("user_id", q.UserID),
		slog.String("error", err.Error()))
}

func (a *Aggregator) retrieveProfile(ctx context.Context, userID string) (*domain.UserProfile, error) {
	if a.profiles == nil {
		return nil, nil
	}
	p, err := a.profiles.GetProfile(ctx, userID)
	if domain.IsType(err, domain.ErrorTypeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (a *Aggregator) retrieveJournal(ctx context.Context, q domain.RAGQuery) (*domain.JournalContext, error) {
	if a.journal == nil {
		return emptyJournal(), nil
	}
	days := q.TimeRange.Days()
	since := a.now().AddDate(0, 0, -days)

	entries, err := a.journal.ListEntries(ctx, q.UserID, since)
	if err != nil {
		return nil, err
	}

	jc := emptyJournal()
	jc.EntriesInRange = len(entries)
	if len(entries) < minPatternEntries {
		return jc, nil
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	recent := entries
	if limit := q.ContextDepth.EntryLimit(); len(recent) > limit {
		recent = recent[:limit]
	}

	jc.RecentEntries = recent
	jc.Patterns = a.lexicon.ExtractPatterns(entries)
	jc.EmotionalTrend = MoodHistogram(entries)
	jc.FrequencyPerWeek = float64(len(entries)) / (float64(days) / 7)
	return jc, nil
}

func (a *Aggregator) retrieveCommunity(ctx context.Context, q domain.RAGQuery, mbtiType string) (*domain.CommunityContext, error) {
	if a.community == nil {
		return emptyCommunity(), nil
	}
	trends, err := a.community.Trends(ctx, ports.TrendQuery{
		MBTIType: mbtiType,
		Domains:  q.SpecificDomains,
		Since:    a.now().AddDate(0, 0, -q.TimeRange.Days()),
		Limit:    q.ContextDepth.EntryLimit(),
	})
	if err != nil {
		return nil, err
	}

	cc := emptyCommunity()
	cc.Trends = append(cc.Trends, trends...)
	cc.RelevantTopics = relevantTopics(trends, q.UserInput)

	if mbtiType != "" {
		insight, err := a.community.TypeInsight(ctx, mbtiType)
		switch {
		case err == nil:
			cc.CommonChallenges = insight.CommonChallenges
			cc.SuccessfulStrategies = insight.SuccessfulStrategies
		case !domain.IsType(err, domain.ErrorTypeNotFound):
			return nil, err
		}
	}
	return cc, nil
}

// relevantTopics keeps the trend topics the user's input mentions, in trend
// order. Duplicates are dropped.
func relevantTopics(trends []domain.TrendRecord, input string) []string {
	words := tokenize(input)
	seen := make(map[string]bool)
	out := []string{}
	for _, t := range trends {
		key := strings.ToLower(t.Topic)
		if seen[key] {
			continue
		}
		seen[key] = true
		if overlaps(tokenize(t.Topic), words) {
			out = append(out, t.Topic)
		}
	}
	return out
}

func (a *Aggregator) retrieveContent(ctx context.Context, q domain.RAGQuery, mbtiType string) (*domain.ContentContext, error) {
	if a.content == nil {
		return emptyContent(), nil
	}
	items, err := a.content.SearchContent(ctx, ports.ContentQuery{
		MBTIType:     mbtiType,
		Domains:      q.SpecificDomains,
		Kinds:        contentKinds,
		LimitPerKind: q.ContextDepth.ContentLimit(),
	})
	if err != nil {
		return nil, err
	}

	cc := emptyContent()
	limit := q.ContextDepth.ContentLimit()
	for _, item := range items {
		var bucket *[]domain.ContentItem
		switch item.Kind {
		case domain.ContentArticle:
			bucket = &cc.Articles
		case domain.ContentExercise:
			bucket = &cc.Exercises
		case domain.ContentVideo:
			bucket = &cc.Videos
		case domain.ContentTool:
			bucket = &cc.Tools
		default:
			continue
		}
		if len(*bucket) < limit {
			*bucket = append(*bucket, item)
		}
	}
	return cc, nil
}

func emptyJournal() *domain.JournalContext {
	return &domain.JournalContext{
		RecentEntries:  []domain.JournalEntry{},
		Patterns:       []domain.ThematicPattern{},
		EmotionalTrend: map[string]int{},
	}
}

func emptyCommunity() *domain.CommunityContext {
	return &domain.CommunityContext{
		RelevantTopics: []string{},
		Trends:         []domain.TrendRecord{},
	}
}

func emptyContent() *domain.ContentContext {
	return &domain.ContentContext{
		Articles:  []domain.ContentItem{},
		Exercises: []domain.ContentItem{},
		Videos:    []domain.ContentItem{},
		Tools:     []domain.ContentItem{},
	}
}
