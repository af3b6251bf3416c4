// Package orchestration fans one user input out to up to three inference
// profiles and synthesizes a single coordinated response.
//
// Each branch goes through the dispatcher on its own, so a failed branch only
// lowers the overall confidence. When every branch fails the last cached
// result for the same input is returned instead.
package orchestration

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/core/ports"
	"github.com/tjfontaine/coachllm/internal/rag"
	"github.com/tjfontaine/coachllm/internal/telemetry"
)

// Cached results are trusted less than fresh ones.
const cachePenalty = 0.5

// DefaultCacheTTL is how long successful results stay usable offline.
const DefaultCacheTTL = 24 * time.Hour

// Dispatcher runs one inference request to completion. Failures are carried
// in the response, never returned.
type Dispatcher interface {
	Do(ctx context.Context, req domain.Request) *domain.Response
}

// ContextRetriever builds the augmented context shared by all branches.
type ContextRetriever interface {
	Retrieve(ctx context.Context, q domain.RAGQuery) (*domain.RAGContext, error)
}

// Coordinator runs orchestration requests.
type Coordinator struct {
	dispatcher Dispatcher
	retriever  ContextRetriever
	audit      ports.AuditAppender
	cache      ports.ResponseCache
	cacheTTL   time.Duration
	profiles   map[domain.BranchID]Profile
	logger     *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRetriever enables context retrieval before fan-out.
func WithRetriever(r ContextRetriever) Option {
	return func(c *Coordinator) { c.retriever = r }
}

// WithAudit records a summary event for every orchestration.
func WithAudit(a ports.AuditAppender) Option {
	return func(c *Coordinator) { c.audit = a }
}

// WithCache stores successful results and serves them when every branch fails.
func WithCache(cache ports.ResponseCache, ttl time.Duration) Option {
	return func(c *Coordinator) {
		c.cache = cache
		if ttl > 0 {
			c.cacheTTL = ttl
		}
	}
}

// WithProfiles replaces the branch profiles.
func WithProfiles(p map[domain.BranchID]Profile) Option {
	return func(c *Coordinator) {
		if len(p) > 0 {
			c.profiles = p
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a coordinator.
func New(d Dispatcher, opts ...Option) (*Coordinator, error) {
	if d == nil {
		return nil, fmt.Errorf("orchestration: dispatcher is required")
	}
	c := &Coordinator{
		dispatcher: d,
		cacheTTL:   DefaultCacheTTL,
		profiles:   DefaultProfiles(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Orchestrate runs the request. Only an invalid request is an error; branch
// failures degrade the result.
func (c *Coordinator) Orchestrate(ctx context.Context, req domain.OrchestrationRequest) (*domain.OrchestrationResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "orchestration.Orchestrate")
	defer span.End()

	if err := domain.Validate(&req); err != nil {
		return nil, err
	}
	branches, err := c.branches(req.Branches)
	if err != nil {
		return nil, err
	}
	if req.SensitivityLevel == "" {
		req.SensitivityLevel = domain.SensitivityPersonal
	}
	traceID := uuid.NewString()
	start := time.Now()

	augmented, mbtiType := c.context(ctx, req)

	responses := make([]domain.IndividualResponse, len(branches))
	var wg sync.WaitGroup
	for i, p := range branches {
		wg.Add(1)
		go func(idx int, p Profile) {
			defer wg.Done()
			responses[idx] = c.runBranch(ctx, traceID, req, p, augmented, mbtiType)
		}(i, p)
	}
	wg.Wait()

	result := c.synthesize(traceID, responses)
	key := cacheKey(req, branches)

	if result.successful() > 0 {
		if c.cache != nil {
			if err := c.cache.Set(ctx, key, &result.OrchestrationResult, c.cacheTTL); err != nil {
				c.logger.Warn("failed to cache orchestration result",
					slog.String("trace_id", traceID),
					slog.String("error", err.Error()))
			}
		}
	} else if cached := c.cached(ctx, key, traceID); cached != nil {
		cached.TraceID = traceID
		cached.Responses = result.Responses
		result.OrchestrationResult = *cached
	}

	c.record(ctx, req, result, time.Since(start))

	span.SetAttributes(
		attribute.String("trace_id", traceID),
		attribute.Int("orchestration.branches", len(branches)),
		attribute.Int("orchestration.successful", result.successful()),
		attribute.String("orchestration.mode", string(result.Mode)),
		attribute.Float64("orchestration.confidence", result.OverallConfidence),
	)
	telemetry.OrchestrationConfidence.WithLabelValues(string(result.Mode)).Observe(result.OverallConfidence)
	c.logger.Info("orchestration completed",
		slog.String("trace_id", traceID),
		slog.String("user_id", req.UserID),
		slog.Int("branches", len(branches)),
		slog.Int("successful", result.successful()),
		slog.String("mode", string(result.Mode)),
		slog.Bool("from_cache", result.FromCache))

	out := result.OrchestrationResult
	return &out, nil
}

func (c *Coordinator) branches(ids []domain.BranchID) ([]Profile, error) {
	if len(ids) == 0 {
		ids = domain.AllBranches
	}
	seen := make(map[domain.BranchID]bool, len(ids))
	out := make([]Profile, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			return nil, domain.ErrInvalidRequest(fmt.Sprintf("branch %q requested twice", id))
		}
		seen[id] = true
		p, ok := c.profiles[id]
		if !ok {
			return nil, domain.ErrInvalidRequest(fmt.Sprintf("no profile configured for branch %q", id))
		}
		out = append(out, p)
	}
	return out, nil
}

// context builds the shared augmented context. A pre-seeded profile replaces
// the stored one. Retrieval failures leave the branches without context.
func (c *Coordinator) context(ctx context.Context, req domain.OrchestrationRequest) (string, string) {
	mbtiType := req.PersonalityType
	var rc *domain.RAGContext
	if c.retriever != nil {
		var err error
		rc, err = c.retriever.Retrieve(ctx, domain.RAGQuery{
			UserID:                 req.UserID,
			QueryType:              req.SessionType,
			UserInput:              req.UserInput,
			ContextDepth:           domain.DepthMedium,
			MBTIOptimization:       true,
			IncludeCommunityTrends: true,
			IncludeContentLibrary:  true,
		})
		if err != nil {
			c.logger.Warn("context retrieval failed, continuing without context",
				slog.String("user_id", req.UserID),
				slog.String("error", err.Error()))
			rc = nil
		}
	}
	if req.Profile != nil {
		if rc == nil {
			rc = &domain.RAGContext{Query: domain.RAGQuery{UserID: req.UserID, QueryType: req.SessionType}}
		}
		p := *req.Profile
		if p.MBTIType == "" {
			p.MBTIType = req.PersonalityType
		}
		rc.Profile = &p
		rc.RelevanceScore = rag.Score(rc)
	}
	if rc == nil {
		return "", mbtiType
	}
	if mbtiType == "" && rc.Profile != nil {
		mbtiType = rc.Profile.MBTIType
	}
	return rag.RenderContext(rc), mbtiType
}

func (c *Coordinator) runBranch(ctx context.Context, traceID string, req domain.OrchestrationRequest, p Profile, augmented, mbtiType string) domain.IndividualResponse {
	temperature := p.Temperature
	resp := c.dispatcher.Do(ctx, domain.Request{
		TraceID:   traceID,
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Feature:   domain.FeatureOrchestrationBranch,
		Input: domain.ChatInput{
			InputEnvelope: domain.InputEnvelope{
				SensitivityLevel: req.SensitivityLevel,
				MBTIType:         normalizeType(mbtiType),
			},
			Text: req.UserInput,
		},
		Context: augmented,
		Options: domain.DispatchOptions{
			Temperature:      &temperature,
			MBTIOptimization: mbtiType != "",
			SystemPrompt:     p.SystemPrompt,
			PreferredTier:    p.PreferredTier,
			HighStakes:       req.HighStakes,
		},
		Privacy: domain.PrivacySettings{AllowExternalAPI: req.AllowExternalAPI},
	})

	ir := domain.IndividualResponse{
		SystemID:         p.ID,
		ProcessingTimeMs: resp.Metadata.ProcessingTimeMs,
		ProcessingMethod: resp.Metadata.ProcessingMethod,
		Success:          resp.Success,
		Error:            resp.Error,
	}
	if resp.Success {
		ir.Response = resp.Output
		ir.Confidence = resp.Metadata.Confidence
	} else {
		c.logger.Warn("orchestration branch failed",
			slog.String("trace_id", traceID),
			slog.String("branch", string(p.ID)),
			slog.String("error_type", errorType(resp.Error)))
	}
	return ir
}

func (c *Coordinator) cached(ctx context.Context, key, traceID string) *domain.OrchestrationResult {
	if c.cache == nil {
		return nil
	}
	res, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("orchestration cache lookup failed",
			slog.String("trace_id", traceID),
			slog.String("error", err.Error()))
		return nil
	}
	if !ok {
		return nil
	}
	res.FromCache = true
	res.Mode = domain.ModeOffline
	res.OverallConfidence *= cachePenalty
	return res
}

// record appends the orchestration summary. Branch events are recorded by
// the dispatcher under the same trace.
func (c *Coordinator) record(ctx context.Context, req domain.OrchestrationRequest, s *synthesis, elapsed time.Duration) {
	if c.audit == nil {
		return
	}
	external := false
	for _, r := range s.Responses {
		if r.Success && r.ProcessingMethod.External() {
			external = true
		}
	}
	method := domain.MethodLocalInference
	switch {
	case external:
		method = domain.MethodExternalAPI
	case s.FromCache || s.successful() == 0:
		method = domain.MethodOfflineFallback
	}
	status := domain.StatusSuccess
	errType := ""
	if s.successful() == 0 {
		status = domain.StatusError
		errType = string(domain.ErrorTypeNoProvider)
	}
	flags := []string{"orchestration:mode:" + string(s.Mode)}
	if s.FromCache {
		flags = append(flags, "orchestration:cache")
	}
	_, err := c.audit.Append(ctx, domain.AuditDraft{
		TraceID:              s.TraceID,
		UserID:               req.UserID,
		SessionID:            req.SessionID,
		EventType:            domain.EventTypeOrchestration,
		Action:               req.SessionType,
		DataSensitivityLevel: req.SensitivityLevel,
		ProcessingMethod:     method,
		ExternalAPIUsed:      external,
		ComplianceFlags:      flags,
		InputLength:          utf8.RuneCountInString(req.UserInput),
		OutputLength:         utf8.RuneCountInString(s.CoordinatedResponse),
		ProcessingTimeMs:     elapsed.Milliseconds(),
		Status:               status,
		ErrorType:            errType,
		FallbackTriggered:    s.FromCache,
	})
	if err != nil {
		c.logger.Error("failed to record orchestration event",
			slog.String("trace_id", s.TraceID),
			slog.String("error", err.Error()))
	}
}

// cacheKey identifies requests that may share a cached result.
func cacheKey(req domain.OrchestrationRequest, branches []Profile) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00", req.UserID, req.SessionType, normalizeType(req.PersonalityType))
	for _, p := range branches {
		fmt.Fprintf(h, "%s,", p.ID)
	}
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(strings.Fields(strings.ToLower(req.UserInput)), " ")))
	return "orchestration:" + hex.EncodeToString(h.Sum(nil))
}

func normalizeType(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func errorType(re *domain.ResponseError) string {
	if re == nil {
		return ""
	}
	return string(re.Type)
}
