package orchestration

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/tjfontaine/coachllm/internal/cache"
	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/core/ports"
	"github.com/tjfontaine/coachllm/internal/ledger"
	"github.com/tjfontaine/coachllm/internal/storage/memory"
)

// fakeDispatcher answers each branch from a script keyed by branch id.
type fakeDispatcher struct {
	profiles map[domain.BranchID]Profile
	script   map[domain.BranchID]*domain.Response

	mu   sync.Mutex
	reqs []domain.Request
}

func newFakeDispatcher(script map[domain.BranchID]*domain.Response) *fakeDispatcher {
	return &fakeDispatcher{profiles: DefaultProfiles(), script: script}
}

func (f *fakeDispatcher) Do(ctx context.Context, req domain.Request) *domain.Response {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	for id, p := range f.profiles {
		if p.SystemPrompt == req.Options.SystemPrompt {
			if resp, ok := f.script[id]; ok {
				return resp
			}
		}
	}
	return failed(domain.ErrorTypeWorkerUnavailable)
}

func (f *fakeDispatcher) requests() []domain.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Request(nil), f.reqs...)
}

func ok(text string, conf float64, method domain.ProcessingMethod) *domain.Response {
	return &domain.Response{
		Success: true,
		Output:  text,
		Metadata: domain.ResponseMetadata{
			Confidence:       conf,
			ProcessingMethod: method,
			ProcessingTimeMs: 5,
		},
	}
}

func failed(t domain.ErrorType) *domain.Response {
	return &domain.Response{Error: &domain.ResponseError{Type: t, Message: "branch failed"}}
}

func baseRequest() domain.OrchestrationRequest {
	return domain.OrchestrationRequest{
		UserID:          "user-1",
		PersonalityType: "INFJ",
		SessionType:     "reflection",
		UserInput:       "I keep saying yes to everything and I'm exhausted.",
	}
}

func TestOrchestrate_AllBranchesSucceed(t *testing.T) {
	d := newFakeDispatcher(map[domain.BranchID]*domain.Response{
		domain.BranchAesthetic: ok("Paint your week.", 0.8, domain.MethodExternalAPI),
		domain.BranchCognitive: ok("List commitments.", 0.8, domain.MethodExternalAPI),
		domain.BranchEthical:   ok("Honor your limits.", 0.8, domain.MethodExternalAPI),
	})
	c, err := New(d)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	res, err := c.Orchestrate(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Orchestrate() error = %v", err)
	}
	if len(res.Responses) != 3 {
		t.Fatalf("responses = %d, want 3", len(res.Responses))
	}
	if res.OverallConfidence < 0.799 || res.OverallConfidence > 0.801 {
		t.Errorf("OverallConfidence = %v, want 0.8", res.OverallConfidence)
	}
	if res.Mode != domain.ModeOnline {
		t.Errorf("Mode = %s, want online", res.Mode)
	}
	for _, want := range []string{"Paint your week.", "List commitments.", "Honor your limits."} {
		if !strings.Contains(res.CoordinatedResponse, want) {
			t.Errorf("coordinated response missing %q:\n%s", want, res.CoordinatedResponse)
		}
	}

	reqs := d.requests()
	if len(reqs) != 3 {
		t.Fatalf("dispatched %d requests, want 3", len(reqs))
	}
	for _, r := range reqs {
		if r.TraceID != res.TraceID {
			t.Errorf("branch trace id = %q, want shared %q", r.TraceID, res.TraceID)
		}
		if r.Feature != domain.FeatureOrchestrationBranch {
			t.Errorf("feature = %s", r.Feature)
		}
	}
}

func TestOrchestrate_BranchRoutingOptions(t *testing.T) {
	for _, highStakes := range []bool{false, true} {
		d := newFakeDispatcher(nil)
		c, err := New(d)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		req := baseRequest()
		req.HighStakes = highStakes
		if _, err := c.Orchestrate(context.Background(), req); err != nil {
			t.Fatalf("Orchestrate() error = %v", err)
		}
		for _, r := range d.requests() {
			if r.Options.HighStakes != highStakes {
				t.Errorf("branch HighStakes = %v, want %v", r.Options.HighStakes, highStakes)
			}
			if r.Options.PreferredTier.Rank() > domain.TierStandard.Rank() {
				t.Errorf("branch PreferredTier = %s, want standard or below", r.Options.PreferredTier)
			}
		}
	}
}

func TestOrchestrate_OneFailedBranchLowersConfidence(t *testing.T) {
	all := newFakeDispatcher(map[domain.BranchID]*domain.Response{
		domain.BranchAesthetic: ok("a", 0.7, domain.MethodLocalInference),
		domain.BranchCognitive: ok("b", 0.7, domain.MethodLocalInference),
		domain.BranchEthical:   ok("c", 0.7, domain.MethodLocalInference),
	})
	partial := newFakeDispatcher(map[domain.BranchID]*domain.Response{
		domain.BranchAesthetic: ok("a", 0.7, domain.MethodLocalInference),
		domain.BranchCognitive: ok("b", 0.7, domain.MethodLocalInference),
		domain.BranchEthical:   failed(domain.ErrorTypeRequestTimeout),
	})

	ca, _ := New(all)
	cp, _ := New(partial)
	full, err := ca.Orchestrate(context.Background(), baseRequest())
	if err != nil {
		t.Fatal(err)
	}
	degraded, err := cp.Orchestrate(context.Background(), baseRequest())
	if err != nil {
		t.Fatal(err)
	}

	if !(degraded.OverallConfidence < full.OverallConfidence) {
		t.Errorf("degraded confidence %v not below full %v", degraded.OverallConfidence, full.OverallConfidence)
	}
	if degraded.Mode != domain.ModeOffline {
		t.Errorf("Mode = %s, want offline", degraded.Mode)
	}
	var failedBranch *domain.IndividualResponse
	for i := range degraded.Responses {
		if degraded.Responses[i].SystemID == domain.BranchEthical {
			failedBranch = &degraded.Responses[i]
		}
	}
	if failedBranch == nil || failedBranch.Success || failedBranch.Error == nil {
		t.Fatalf("ethical branch = %+v, want recorded failure", failedBranch)
	}
}

func TestOrchestrate_HybridMode(t *testing.T) {
	d := newFakeDispatcher(map[domain.BranchID]*domain.Response{
		domain.BranchAesthetic: ok("a", 0.85, domain.MethodExternalAPI),
		domain.BranchCognitive: ok("b", 0.6, domain.MethodOfflineFallback),
	})
	c, _ := New(d)
	req := baseRequest()
	req.Branches = []domain.BranchID{domain.BranchAesthetic, domain.BranchCognitive}

	res, err := c.Orchestrate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != domain.ModeHybrid {
		t.Errorf("Mode = %s, want hybrid", res.Mode)
	}
	if !strings.HasPrefix(res.CoordinatedResponse, "a") {
		t.Errorf("most confident branch should lead, got %q", res.CoordinatedResponse)
	}
	if !strings.Contains(res.CoordinatedResponse, "Strategic perspective: b") {
		t.Errorf("secondary branch should be labelled, got %q", res.CoordinatedResponse)
	}
}

func TestOrchestrate_AllFailWithoutCache(t *testing.T) {
	c, _ := New(newFakeDispatcher(nil))

	res, err := c.Orchestrate(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("Orchestrate() error = %v, want degraded result", err)
	}
	if res.OverallConfidence != 0 {
		t.Errorf("OverallConfidence = %v, want 0", res.OverallConfidence)
	}
	if res.CoordinatedResponse != unavailableMessage {
		t.Errorf("CoordinatedResponse = %q", res.CoordinatedResponse)
	}
	if res.FromCache {
		t.Error("FromCache = true with no cache configured")
	}
}

func TestOrchestrate_AllFailServesCache(t *testing.T) {
	mem, err := cache.NewMemory(8)
	if err != nil {
		t.Fatal(err)
	}
	d := newFakeDispatcher(map[domain.BranchID]*domain.Response{
		domain.BranchAesthetic: ok("a", 0.8, domain.MethodExternalAPI),
		domain.BranchCognitive: ok("b", 0.8, domain.MethodExternalAPI),
		domain.BranchEthical:   ok("c", 0.8, domain.MethodExternalAPI),
	})
	c, _ := New(d, WithCache(mem, 0))

	first, err := c.Orchestrate(context.Background(), baseRequest())
	if err != nil {
		t.Fatal(err)
	}

	d.script = nil
	req := baseRequest()
	req.UserInput = "  I keep saying YES to everything and I'm   exhausted. "
	second, err := c.Orchestrate(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if !second.FromCache {
		t.Fatal("expected cached result")
	}
	if second.CoordinatedResponse != first.CoordinatedResponse {
		t.Errorf("cached response = %q, want %q", second.CoordinatedResponse, first.CoordinatedResponse)
	}
	if second.Mode != domain.ModeOffline {
		t.Errorf("Mode = %s, want offline", second.Mode)
	}
	if second.OverallConfidence >= first.OverallConfidence {
		t.Errorf("cached confidence %v should be below fresh %v", second.OverallConfidence, first.OverallConfidence)
	}
	for _, r := range second.Responses {
		if r.Success {
			t.Errorf("branch %s reported success on a failed run", r.SystemID)
		}
	}
}

type stubRetriever struct {
	rc  *domain.RAGContext
	err error
	got domain.RAGQuery
}

func (s *stubRetriever) Retrieve(ctx context.Context, q domain.RAGQuery) (*domain.RAGContext, error) {
	s.got = q
	return s.rc, s.err
}

func TestOrchestrate_ContextSharedByBranches(t *testing.T) {
	r := &stubRetriever{rc: &domain.RAGContext{
		Profile: &domain.UserProfile{UserID: "user-1", MBTIType: "ENTP", Goals: []string{"rest more"}},
	}}
	d := newFakeDispatcher(map[domain.BranchID]*domain.Response{
		domain.BranchCognitive: ok("b", 0.7, domain.MethodLocalInference),
	})
	c, _ := New(d, WithRetriever(r))
	req := baseRequest()
	req.PersonalityType = ""
	req.Branches = []domain.BranchID{domain.BranchCognitive}

	if _, err := c.Orchestrate(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	if r.got.UserID != "user-1" || r.got.QueryType != "reflection" {
		t.Errorf("retrieval query = %+v", r.got)
	}
	reqs := d.requests()
	if len(reqs) != 1 {
		t.Fatalf("dispatched %d, want 1", len(reqs))
	}
	if !strings.Contains(reqs[0].Context, "rest more") {
		t.Errorf("branch context missing profile goals: %q", reqs[0].Context)
	}
	if got := reqs[0].Input.Envelope().MBTIType; got != "ENTP" {
		t.Errorf("MBTIType = %q, want type from retrieved profile", got)
	}
}

func TestOrchestrate_PreseededProfileOverridesRetrieval(t *testing.T) {
	r := &stubRetriever{err: errors.New("store offline")}
	d := newFakeDispatcher(map[domain.BranchID]*domain.Response{
		domain.BranchEthical: ok("c", 0.7, domain.MethodLocalInference),
	})
	c, _ := New(d, WithRetriever(r))
	req := baseRequest()
	req.Branches = []domain.BranchID{domain.BranchEthical}
	req.Profile = &domain.UserProfile{CoreValues: []string{"honesty"}}

	if _, err := c.Orchestrate(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	ctxText := d.requests()[0].Context
	if !strings.Contains(ctxText, "honesty") || !strings.Contains(ctxText, "INFJ") {
		t.Errorf("context = %q, want pre-seeded profile with request type", ctxText)
	}
}

func TestOrchestrate_InvalidRequests(t *testing.T) {
	c, _ := New(newFakeDispatcher(nil))
	tests := []struct {
		name   string
		mutate func(*domain.OrchestrationRequest)
	}{
		{"missing user", func(r *domain.OrchestrationRequest) { r.UserID = "" }},
		{"missing input", func(r *domain.OrchestrationRequest) { r.UserInput = "" }},
		{"bad type", func(r *domain.OrchestrationRequest) { r.PersonalityType = "XYZW" }},
		{"unknown branch", func(r *domain.OrchestrationRequest) { r.Branches = []domain.BranchID{"spiritual"} }},
		{"duplicate branch", func(r *domain.OrchestrationRequest) {
			r.Branches = []domain.BranchID{domain.BranchEthical, domain.BranchEthical}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := baseRequest()
			tt.mutate(&req)
			_, err := c.Orchestrate(context.Background(), req)
			if !domain.IsType(err, domain.ErrorTypeInvalidRequest) {
				t.Errorf("error = %v, want invalid request", err)
			}
		})
	}
}

func TestOrchestrate_RecordsSummaryEvent(t *testing.T) {
	store := memory.NewLedgerStore()
	l := ledger.New(store)
	d := newFakeDispatcher(map[domain.BranchID]*domain.Response{
		domain.BranchAesthetic: ok("a", 0.8, domain.MethodExternalAPI),
		domain.BranchCognitive: ok("b", 0.7, domain.MethodLocalInference),
	})
	c, _ := New(d, WithAudit(l))

	res, err := c.Orchestrate(context.Background(), baseRequest())
	if err != nil {
		t.Fatal(err)
	}

	events, err := l.Events(context.Background(), domain.ChainKeyFor("user-1", ""), ports.ListOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("events = %d, want 1 summary event", len(events))
	}
	ev := events[0]
	if ev.EventType != domain.EventTypeOrchestration || ev.TraceID != res.TraceID {
		t.Errorf("event = %+v", ev)
	}
	if !ev.ExternalAPIUsed {
		t.Error("ExternalAPIUsed = false although a branch ran externally")
	}
	if !ev.HasFlag("orchestration:mode:hybrid") {
		t.Errorf("flags = %v, want hybrid mode flag", ev.ComplianceFlags)
	}
	if ev.DataSensitivityLevel != domain.SensitivityPersonal {
		t.Errorf("sensitivity = %s, want PERSONAL default", ev.DataSensitivityLevel)
	}
}
