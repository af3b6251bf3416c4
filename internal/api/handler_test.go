package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/coachllm/internal/auth"
	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/ledger"
	"github.com/tjfontaine/coachllm/internal/server"
	"github.com/tjfontaine/coachllm/internal/storage/memory"
)

type fakeDispatcher struct {
	got  domain.Request
	resp *domain.Response
}

func (f *fakeDispatcher) Do(ctx context.Context, req domain.Request) *domain.Response {
	f.got = req
	return f.resp
}

type fakeOrchestrator struct {
	res *domain.OrchestrationResult
	err error
}

func (f *fakeOrchestrator) Orchestrate(ctx context.Context, req domain.OrchestrationRequest) (*domain.OrchestrationResult, error) {
	return f.res, f.err
}

type fakeRouter struct {
	policy domain.RoutingPolicy
}

func (f *fakeRouter) Policy() domain.RoutingPolicy { return f.policy }

func (f *fakeRouter) UpdatePolicy(ctx context.Context, p domain.RoutingPolicy) error {
	f.policy = p
	return nil
}

func (f *fakeRouter) Providers() []domain.ProviderConfig {
	return []domain.ProviderConfig{{Name: "local"}}
}

type fixture struct {
	mux        *chi.Mux
	dispatcher *fakeDispatcher
	ledger     *ledger.Ledger
	users      *memory.UserStore
}

func newFixture(t *testing.T, principal *auth.Principal) *fixture {
	t.Helper()
	users := memory.NewUserStore()
	l := ledger.New(memory.NewLedgerStore())
	f := &fixture{
		mux:        chi.NewRouter(),
		dispatcher: &fakeDispatcher{resp: &domain.Response{Success: true, Output: "ok", Metadata: domain.ResponseMetadata{TraceID: "t-1"}}},
		ledger:     l,
		users:      users,
	}
	if principal != nil {
		f.mux.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				next.ServeHTTP(w, r.WithContext(server.WithPrincipal(r.Context(), principal)))
			})
		})
	}
	h := &Handler{
		Dispatcher:   f.dispatcher,
		Orchestrator: &fakeOrchestrator{res: &domain.OrchestrationResult{TraceID: "o-1", Mode: domain.ModeOnline}},
		Ledger:       l,
		Router:       &fakeRouter{},
		Users:        users,
	}
	h.Mount(f.mux)
	return f
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func TestDispatch(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodPost, "/v1/dispatch",
		`{"userId":"u1","feature":"chat","input":{"sensitivityLevel":"PERSONAL","text":"hi"},"privacy":{"allowExternalAPI":true}}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	in, ok := f.dispatcher.got.Input.(domain.ChatInput)
	if !ok || in.Text != "hi" {
		t.Errorf("decoded input = %#v", f.dispatcher.got.Input)
	}
	if !f.dispatcher.got.Privacy.AllowExternalAPI {
		t.Error("privacy settings not passed through")
	}
}

func TestDispatch_FailedResponseStatus(t *testing.T) {
	f := newFixture(t, nil)
	f.dispatcher.resp = &domain.Response{
		Error: &domain.ResponseError{Type: domain.ErrorTypeRequestTimeout, Message: "timed out"},
	}
	rec := f.do(http.MethodPost, "/v1/dispatch",
		`{"userId":"u1","feature":"chat","input":{"sensitivityLevel":"PERSONAL","text":"hi"}}`)
	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
	var resp domain.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error == nil || resp.Error.Type != domain.ErrorTypeRequestTimeout {
		t.Errorf("body error = %+v", resp.Error)
	}
}

func TestDispatch_Rejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"malformed", `{`, http.StatusBadRequest},
		{"unknown top-level field", `{"userId":"u1","feature":"chat","input":{},"extra":1}`, http.StatusBadRequest},
		{"unknown feature", `{"userId":"u1","feature":"poetry","input":{}}`, http.StatusBadRequest},
		{"missing user", `{"feature":"chat","input":{"sensitivityLevel":"PERSONAL","text":"hi"}}`, http.StatusBadRequest},
		{"input for wrong feature", `{"userId":"u1","feature":"chat","input":{"sensitivityLevel":"PERSONAL","entryIds":["e1"]}}`, http.StatusBadRequest},
		{"trailing data", `{"userId":"u1","feature":"chat","input":{"sensitivityLevel":"PERSONAL","text":"hi"}} {}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			rec := f.do(http.MethodPost, "/v1/dispatch", tt.body)
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.want, rec.Body)
			}
		})
	}
}

func TestDispatch_ForbiddenForOtherUser(t *testing.T) {
	f := newFixture(t, &auth.Principal{UserID: "u2"})
	rec := f.do(http.MethodPost, "/v1/dispatch",
		`{"userId":"u1","feature":"chat","input":{"sensitivityLevel":"PERSONAL","text":"hi"}}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestOrchestrate(t *testing.T) {
	f := newFixture(t, &auth.Principal{UserID: "u1"})
	rec := f.do(http.MethodPost, "/v1/orchestrate", `{"userId":"u1","sessionType":"planning","userInput":"next steps"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var res domain.OrchestrationResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.TraceID != "o-1" {
		t.Errorf("traceId = %q", res.TraceID)
	}
}

func TestAuditEventsAndVerify(t *testing.T) {
	f := newFixture(t, &auth.Principal{Admin: true})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := f.ledger.Append(ctx, domain.AuditDraft{
			UserID:               "u1",
			EventType:            domain.EventTypeInferenceRequest,
			DataSensitivityLevel: domain.SensitivityPersonal,
		}); err != nil {
			t.Fatal(err)
		}
	}

	rec := f.do(http.MethodGet, "/v1/audit/u1/events?from=1&limit=1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var events eventsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &events); err != nil {
		t.Fatal(err)
	}
	if events.ChainKey != "user:u1" || len(events.Events) != 1 || events.Events[0].ChainPosition != 1 {
		t.Errorf("events = %+v", events)
	}

	rec = f.do(http.MethodGet, "/v1/audit/u1/verify", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("verify status = %d, body = %s", rec.Code, rec.Body)
	}
	var v domain.ChainVerification
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatal(err)
	}
	if !v.Valid || v.Length != 3 {
		t.Errorf("verification = %+v", v)
	}

	if rec := f.do(http.MethodGet, "/v1/audit/u1/events?limit=-1", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("negative limit status = %d, want 400", rec.Code)
	}
}

func TestAuditEvents_EmptyChain(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodGet, "/v1/audit/nobody/events", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"events":[]`) {
		t.Errorf("body = %s, want empty events array", rec.Body)
	}
}

func TestRoutingPolicy(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(http.MethodPut, "/v1/routing/policy", `{"optimizationLevel":"aggressive","fallbackToLocal":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	rec = f.do(http.MethodGet, "/v1/routing/policy", "")
	if !strings.Contains(rec.Body.String(), `"optimizationLevel":"aggressive"`) {
		t.Errorf("policy = %s", rec.Body)
	}
	rec = f.do(http.MethodGet, "/v1/routing/providers", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"providers"`) {
		t.Errorf("providers = %d %s", rec.Code, rec.Body)
	}
}

func TestUserData(t *testing.T) {
	f := newFixture(t, &auth.Principal{UserID: "u1"})

	rec := f.do(http.MethodPut, "/v1/users/u1/profile", `{"mbtiType":"INTJ","coreValues":["growth"]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("profile status = %d, body = %s", rec.Code, rec.Body)
	}
	p, err := f.users.GetProfile(context.Background(), "u1")
	if err != nil || p.MBTIType != "INTJ" {
		t.Fatalf("stored profile = %+v, %v", p, err)
	}

	if rec := f.do(http.MethodPut, "/v1/users/u1/profile", `{"mbtiType":"ABCD"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("bad type status = %d, want 400", rec.Code)
	}

	rec = f.do(http.MethodPost, "/v1/users/u1/journal", `{"content":"slept well","mood":"calm"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("journal status = %d, body = %s", rec.Code, rec.Body)
	}
	var e domain.JournalEntry
	if err := json.Unmarshal(rec.Body.Bytes(), &e); err != nil {
		t.Fatal(err)
	}
	if e.ID == "" || e.UserID != "u1" || e.CreatedAt.IsZero() {
		t.Errorf("entry = %+v", e)
	}

	if rec := f.do(http.MethodPost, "/v1/users/u2/journal", `{"content":"x"}`); rec.Code != http.StatusForbidden {
		t.Errorf("other user status = %d, want 403", rec.Code)
	}
}
