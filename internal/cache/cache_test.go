package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/redis/go-redis/v9"

	"github.com/tjfontaine/coachllm/internal/core/domain"
)

func sampleResult() *domain.OrchestrationResult {
	return &domain.OrchestrationResult{
		TraceID: "trace-1",
		Responses: []domain.IndividualResponse{
			{SystemID: domain.BranchCognitive, Response: "plan", Confidence: 0.7, Success: true},
		},
		CoordinatedResponse: "plan",
		OverallConfidence:   0.7,
		Mode:                domain.ModeOffline,
	}
}

func TestMemory_SetGet(t *testing.T) {
	m, err := NewMemory(2)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if _, ok, _ := m.Get(ctx, "missing"); ok {
		t.Fatal("Get() on empty cache reported a hit")
	}
	want := sampleResult()
	if err := m.Set(ctx, "k", want, 0); err != nil {
		t.Fatal(err)
	}
	got, ok, err := m.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("cached result mismatch (-want +got):\n%s", diff)
	}

	// Callers may mutate what they get back.
	got.Responses[0].Response = "changed"
	again, _, _ := m.Get(ctx, "k")
	if again.Responses[0].Response != "plan" {
		t.Error("mutating a returned result changed the cache")
	}
}

func TestMemory_Expiry(t *testing.T) {
	m, _ := NewMemory(4)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	ctx := context.Background()

	_ = m.Set(ctx, "k", sampleResult(), time.Minute)
	now = now.Add(59 * time.Second)
	if _, ok, _ := m.Get(ctx, "k"); !ok {
		t.Fatal("entry expired early")
	}
	now = now.Add(time.Second)
	if _, ok, _ := m.Get(ctx, "k"); ok {
		t.Fatal("entry served after its ttl")
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d, want expired entry removed", m.Len())
	}
}

func TestMemory_Evicts(t *testing.T) {
	m, _ := NewMemory(1)
	ctx := context.Background()
	_ = m.Set(ctx, "a", sampleResult(), 0)
	_ = m.Set(ctx, "b", sampleResult(), 0)
	if _, ok, _ := m.Get(ctx, "a"); ok {
		t.Error("oldest entry not evicted")
	}
}

type fakeRedis struct {
	data    map[string]string
	ttls    map[string]time.Duration
	failGet error
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	if f.failGet != nil {
		return redis.NewStringResult("", f.failGet)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	f.data[key] = string(value.([]byte))
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Ping(ctx context.Context) *redis.StatusCmd {
	return redis.NewStatusResult("PONG", nil)
}

func (f *fakeRedis) Close() error { return nil }

func TestRedis_RoundTrip(t *testing.T) {
	f := &fakeRedis{data: map[string]string{}, ttls: map[string]time.Duration{}}
	r := &Redis{client: f, prefix: "coach:"}
	ctx := context.Background()

	if _, ok, err := r.Get(ctx, "k"); ok || err != nil {
		t.Fatalf("Get() on miss = %v, %v", ok, err)
	}
	if err := r.Set(ctx, "k", sampleResult(), time.Hour); err != nil {
		t.Fatal(err)
	}
	if f.ttls["coach:k"] != time.Hour {
		t.Errorf("ttl = %v, want 1h under prefixed key", f.ttls["coach:k"])
	}
	got, ok, err := r.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("Get() = %v, %v", ok, err)
	}
	if diff := cmp.Diff(sampleResult(), got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
	if err := r.Health(ctx); err != nil {
		t.Errorf("Health() = %v", err)
	}
}

func TestRedis_GetError(t *testing.T) {
	f := &fakeRedis{failGet: errors.New("connection refused")}
	r := &Redis{client: f, prefix: "coach:"}
	if _, _, err := r.Get(context.Background(), "k"); err == nil {
		t.Fatal("Get() error = nil, want connection error")
	}
}
