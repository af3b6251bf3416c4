package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/core/ports"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeEngine struct {
	mu      sync.Mutex
	prompts []string
	req     *ports.EngineRequest
	delay   time.Duration
	err     error
}

func (f *fakeEngine) Name() string              { return "fake" }
func (f *fakeEngine) Type() domain.ProviderType { return domain.ProviderLocal }
func (f *fakeEngine) Infer(ctx context.Context, req *ports.EngineRequest) (*ports.EngineResult, error) {
	f.mu.Lock()
	f.prompts = append(f.prompts, req.Prompt)
	f.req = req
	f.mu.Unlock()
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &ports.EngineResult{Text: "echo: " + req.Prompt, TokensProcessed: 7, Confidence: 0.6}, nil
}

func (f *fakeEngine) last() *ports.EngineRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.req
}

type resolver map[string]ports.InferenceEngine

func (r resolver) Get(name string) (ports.InferenceEngine, error) {
	if e, ok := r[name]; ok {
		return e, nil
	}
	return nil, domain.ErrNoProvider("unknown " + name)
}

func message(id, provider string) *domain.DispatchMessage {
	return &domain.DispatchMessage{
		ID:      id,
		Feature: domain.FeatureChat,
		Input:   domain.DispatchInput{Text: "hello " + id},
		Target:  domain.ProviderChoice{Provider: provider, Model: "m1", Method: domain.MethodLocalInference},
	}
}

func receive(t *testing.T, w *Worker) *domain.WorkerResponse {
	t.Helper()
	select {
	case r := <-w.Responses():
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no response from worker")
		return nil
	}
}

func TestWorker_ProcessesInOrder(t *testing.T) {
	engine := &fakeEngine{}
	w := New(resolver{"fake": engine})
	w.Start()
	defer w.Stop()

	for _, id := range []string{"a", "b", "c"} {
		if err := w.Submit(message(id, "fake")); err != nil {
			t.Fatalf("Submit(%s) error = %v", id, err)
		}
	}

	for _, want := range []string{"a", "b", "c"} {
		r := receive(t, w)
		if r.ID != want {
			t.Fatalf("response id = %s, want %s", r.ID, want)
		}
		if r.Error != nil {
			t.Fatalf("unexpected error %+v", r.Error)
		}
		if r.Output.Result != "echo: hello "+want {
			t.Errorf("result = %q", r.Output.Result)
		}
		if r.Metadata.ModelUsed != "m1" || r.Metadata.TokensProcessed != 7 || r.Metadata.Confidence != 0.6 {
			t.Errorf("metadata = %+v", r.Metadata)
		}
		if r.Privacy.ExternalAPIUsed {
			t.Error("local inference must not report external use")
		}
	}
}

func TestWorker_Started(t *testing.T) {
	w := New(resolver{"fake": &fakeEngine{}})
	w.Start()
	defer w.Stop()

	if err := w.Submit(message("x", "fake")); err != nil {
		t.Fatal(err)
	}
	select {
	case id := <-w.Started():
		if id != "x" {
			t.Errorf("started id = %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no started notification")
	}
	receive(t, w)
}

func TestWorker_Errors(t *testing.T) {
	tests := []struct {
		name     string
		engine   *fakeEngine
		provider string
		timeout  time.Duration
		wantType domain.ErrorType
	}{
		{"unknown provider", &fakeEngine{}, "missing", 0, domain.ErrorTypeNoProvider},
		{"plain engine error", &fakeEngine{err: errors.New("boom")}, "fake", 0, domain.ErrorTypeProvider},
		{"typed engine error", &fakeEngine{err: domain.ErrProvider("rate limited").WithStatusCode(429)}, "fake", 0, domain.ErrorTypeProvider},
		{"deadline", &fakeEngine{delay: time.Second}, "fake", 20 * time.Millisecond, domain.ErrorTypeRequestTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := New(resolver{"fake": tt.engine}, WithTimeout(tt.timeout))
			w.Start()
			defer w.Stop()

			if err := w.Submit(message("e", tt.provider)); err != nil {
				t.Fatal(err)
			}
			r := receive(t, w)
			if r.Error == nil || r.Error.Type != tt.wantType {
				t.Fatalf("error = %+v, want %s", r.Error, tt.wantType)
			}
			if r.Output.Result != "" {
				t.Errorf("failed response should carry no output, got %q", r.Output.Result)
			}
		})
	}
}

func TestExecute_ExternalUseOnFailure(t *testing.T) {
	engines := resolver{"fake": &fakeEngine{err: errors.New("connection reset")}}

	msg := message("x1", "fake")
	msg.Target.Method = domain.MethodExternalAPI
	if r := Execute(context.Background(), engines, msg); r.Error == nil || !r.Privacy.ExternalAPIUsed {
		t.Errorf("failed external call: error %+v, ExternalAPIUsed %v, want error and true", r.Error, r.Privacy.ExternalAPIUsed)
	}

	msg = message("x2", "missing")
	msg.Target.Method = domain.MethodExternalAPI
	if r := Execute(context.Background(), engines, msg); r.Privacy.ExternalAPIUsed {
		t.Error("an unresolved engine never reached the provider")
	}
}

func TestWorker_SubmitUnavailable(t *testing.T) {
	w := New(resolver{}, WithQueueSize(1))

	err := w.Submit(message("a", "fake"))
	if pe := domain.AsPipelineError(err); pe == nil || pe.Code != domain.ErrorCodeWorkerStopped {
		t.Fatalf("Submit on stopped worker = %v", err)
	}

	engine := &fakeEngine{delay: 200 * time.Millisecond}
	w = New(resolver{"fake": engine}, WithQueueSize(1))
	w.Start()
	defer w.Stop()

	if err := w.Submit(message("a", "fake")); err != nil {
		t.Fatal(err)
	}
	// Wait until "a" is in progress so the queue holds exactly one more.
	<-w.Started()
	if err := w.Submit(message("b", "fake")); err != nil {
		t.Fatal(err)
	}
	err = w.Submit(message("c", "fake"))
	if pe := domain.AsPipelineError(err); pe == nil || pe.Code != domain.ErrorCodeQueueFull {
		t.Fatalf("Submit on full queue = %v", err)
	}
	receive(t, w)
	receive(t, w)
}

func TestWorker_StartStopIdempotent(t *testing.T) {
	w := New(resolver{})
	w.Stop()
	w.Start()
	w.Start()
	if !w.Running() {
		t.Fatal("worker should be running")
	}
	w.Stop()
	w.Stop()
	if w.Running() {
		t.Fatal("worker should be stopped")
	}
}

func TestPrompt(t *testing.T) {
	day := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		in   domain.DispatchInput
		want string
	}{
		{
			name: "text only",
			in:   domain.DispatchInput{Text: "hi"},
			want: "hi",
		},
		{
			name: "context",
			in:   domain.DispatchInput{Text: "hi", Context: "## User Profile\n- Personality type: INFP\n\n"},
			want: "## User Profile\n- Personality type: INFP\n\n## User Request\nhi",
		},
		{
			name: "wellness details",
			in: domain.DispatchInput{
				Text: "how do I wind down?",
				Data: &domain.InputData{Mood: "restless", Goals: []string{"sleep by 11", "less screen time"}},
			},
			want: "## Details\n- Mood: restless\n- Goals: sleep by 11; less screen time\n\n## User Request\nhow do I wind down?",
		},
		{
			name: "signals sorted",
			in: domain.DispatchInput{
				Data: &domain.InputData{Signals: map[string]float64{"sleep": 0.4, "energy": 0.75}},
			},
			want: "## Details\n- Signals: energy=0.75, sleep=0.40",
		},
		{
			name: "journal entries",
			in: domain.DispatchInput{
				Text: "what stands out?",
				Data: &domain.InputData{
					Timeframe: domain.TimeframeWeek,
					Entries: []domain.JournalEntry{
						{Content: "Long\n\nday at   work.", Mood: "tired", CreatedAt: day},
						{Content: "Walked by the river.", CreatedAt: day.AddDate(0, 0, -1)},
					},
				},
			},
			want: "## Details\n- Timeframe: past week\n\n## Journal Entries\n" +
				"- 2026-03-14 (tired): Long day at work.\n- 2026-03-13: Walked by the river.\n\n" +
				"## User Request\nwhat stands out?",
		},
		{
			name: "history is not rendered",
			in: domain.DispatchInput{
				Text: "and now?",
				Data: &domain.InputData{History: []domain.ChatTurn{{Role: "user", Content: "earlier"}}},
			},
			want: "and now?",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Prompt(tt.in); got != tt.want {
				t.Errorf("Prompt() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExecute_ForwardsStructuredInput(t *testing.T) {
	engine := &fakeEngine{}
	msg := message("m1", "fake")
	msg.Feature = domain.FeaturePatternRecognition
	msg.Input.Data = &domain.InputData{
		History: []domain.ChatTurn{{Role: "user", Content: "earlier"}},
		Signals: map[string]float64{"sleep": 0.4},
	}

	resp := Execute(context.Background(), resolver{"fake": engine}, msg)
	if resp.Error != nil {
		t.Fatalf("Execute() error = %+v", resp.Error)
	}
	req := engine.last()
	if req == nil {
		t.Fatal("engine was not called")
	}
	if len(req.History()) != 1 || req.History()[0].Content != "earlier" {
		t.Errorf("History() = %+v", req.History())
	}
	if !req.JSONOutput {
		t.Error("JSONOutput should be set for pattern reports")
	}
	if !strings.Contains(req.Prompt, "- Signals: sleep=0.40") {
		t.Errorf("Prompt = %q, want rendered signals", req.Prompt)
	}
}
