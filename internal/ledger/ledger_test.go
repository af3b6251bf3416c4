package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/core/ports"
	"github.com/tjfontaine/coachllm/internal/storage/memory"
)

func draft(userID string) domain.AuditDraft {
	return domain.AuditDraft{
		TraceID:              "trace-1",
		UserID:               userID,
		EventType:            domain.EventTypeInferenceRequest,
		Action:               "dispatch",
		DataSensitivityLevel: domain.SensitivityPersonal,
		ProcessingMethod:     domain.MethodLocalInference,
		ComplianceFlags:      []string{"b", "a", "a"},
		InputLength:          42,
	}
}

func TestLedger_AppendChainsEvents(t *testing.T) {
	ctx := context.Background()
	l := New(memory.NewLedgerStore())

	var events []*domain.AuditEvent
	for i := 0; i < 5; i++ {
		e, err := l.Append(ctx, draft("u1"))
		if err != nil {
			t.Fatalf("Append() error = %v", err)
		}
		events = append(events, e)
	}

	if events[0].PreviousHash != nil {
		t.Errorf("genesis previousHash = %v, want nil", *events[0].PreviousHash)
	}
	for i, e := range events {
		if e.ChainPosition != int64(i) {
			t.Errorf("event %d position = %d", i, e.ChainPosition)
		}
		if e.ChainKey != "user:u1" {
			t.Errorf("event %d chain key = %q", i, e.ChainKey)
		}
		if i > 0 {
			if e.PreviousHash == nil || *e.PreviousHash != events[i-1].EventHash {
				t.Errorf("event %d is not linked to event %d", i, i-1)
			}
		}
	}

	if got := events[0].ComplianceFlags; len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("ComplianceFlags = %v, want sorted unique [a b]", got)
	}
}

func TestLedger_HashDeterminism(t *testing.T) {
	ctx := context.Background()
	l := New(memory.NewLedgerStore())

	e, err := l.Append(ctx, draft("u1"))
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		h, err := EventHash(e)
		if err != nil {
			t.Fatalf("EventHash() error = %v", err)
		}
		if h != e.EventHash {
			t.Fatalf("rehash %d = %s, want %s", i, h, e.EventHash)
		}
	}

	// Flag order must not affect the hash.
	shuffled := *e
	shuffled.ComplianceFlags = []string{"b", "a"}
	h, _ := EventHash(&shuffled)
	if h != e.EventHash {
		t.Error("hash should not depend on compliance flag order")
	}

	changed := *e
	changed.ExternalAPIUsed = true
	h, _ = EventHash(&changed)
	if h == e.EventHash {
		t.Error("hash should change when content changes")
	}
}

func TestLedger_ChainScope(t *testing.T) {
	ctx := context.Background()
	l := New(memory.NewLedgerStore())

	a, _ := l.Append(ctx, draft("alice"))
	b, _ := l.Append(ctx, draft("bob"))
	anon, err := l.Append(ctx, domain.AuditDraft{TraceID: "t-9", EventType: domain.EventTypeOrchestration})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	if a.ChainPosition != 0 || b.ChainPosition != 0 || anon.ChainPosition != 0 {
		t.Error("each chain should start at position 0")
	}
	if anon.ChainKey != "trace:t-9" {
		t.Errorf("anonymous chain key = %q, want trace:t-9", anon.ChainKey)
	}

	if _, err := l.Append(ctx, domain.AuditDraft{}); !domain.IsType(err, domain.ErrorTypeInvalidRequest) {
		t.Errorf("draft without user or trace should be rejected, got %v", err)
	}
}

func TestLedger_ConcurrentAppends(t *testing.T) {
	ctx := context.Background()
	store := memory.NewLedgerStore()
	l := New(store)

	const users, perUser = 4, 25
	var wg sync.WaitGroup
	errs := make(chan error, users*perUser)
	for u := 0; u < users; u++ {
		for i := 0; i < perUser; i++ {
			wg.Add(1)
			go func(user string) {
				defer wg.Done()
				if _, err := l.Append(ctx, draft(user)); err != nil {
					errs <- err
				}
			}(fmt.Sprintf("u%d", u))
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Append() error = %v", err)
	}

	for u := 0; u < users; u++ {
		key := fmt.Sprintf("user:u%d", u)
		res, err := l.Verify(ctx, key)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if !res.Valid || res.Length != perUser {
			t.Errorf("%s: valid=%v length=%d, want valid chain of %d", key, res.Valid, res.Length, perUser)
		}
	}
}

func TestLedger_VerifyDetectsTampering(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.AuditEvent)
		want   domain.ErrorCode
	}{
		{
			name:   "content edited",
			mutate: func(e *domain.AuditEvent) { e.ExternalAPIUsed = true },
			want:   domain.ErrorCodeHashMismatch,
		},
		{
			name: "link edited",
			mutate: func(e *domain.AuditEvent) {
				bogus := "00"
				e.PreviousHash = &bogus
			},
			want: domain.ErrorCodeLinkMismatch,
		},
		{
			name:   "position edited",
			mutate: func(e *domain.AuditEvent) { e.ChainPosition = 7 },
			want:   domain.ErrorCodePositionGap,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := memory.NewLedgerStore()
			l := New(store)
			for i := 0; i < 4; i++ {
				if _, err := l.Append(ctx, draft("u1")); err != nil {
					t.Fatal(err)
				}
			}

			store.Tamper("user:u1", 2, tt.mutate)

			res, err := l.Verify(ctx, "user:u1")
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if res.Valid {
				t.Fatal("Verify() should report a broken chain")
			}
			if res.BrokenAt == nil || *res.BrokenAt != 2 {
				t.Errorf("BrokenAt = %v, want 2", res.BrokenAt)
			}
			if res.Reason != tt.want {
				t.Errorf("Reason = %s, want %s", res.Reason, tt.want)
			}
		})
	}
}

func TestLedger_AppendFailure(t *testing.T) {
	store := memory.NewLedgerStore()
	store.FailInserts(errors.New("disk full"))
	l := New(store)

	_, err := l.Append(context.Background(), draft("u1"))
	if !domain.IsType(err, domain.ErrorTypeAuditWrite) {
		t.Fatalf("Append() error = %v, want audit write failure", err)
	}
}

type failingQueue struct{ enqueued int }

func (q *failingQueue) Enqueue(ctx context.Context, e *domain.AuditEvent) error {
	q.enqueued++
	return errors.New("queue unavailable")
}
func (q *failingQueue) Peek(ctx context.Context, n int) ([]*domain.AuditEvent, error) {
	return nil, nil
}
func (q *failingQueue) Ack(ctx context.Context, events []*domain.AuditEvent) error { return nil }
func (q *failingQueue) Len(ctx context.Context) (int, error)                       { return 0, nil }
func (q *failingQueue) Close() error                                               { return nil }

var _ ports.MirrorQueue = (*failingQueue)(nil)

func TestLedger_MirrorFailureKeepsChain(t *testing.T) {
	ctx := context.Background()
	store := memory.NewLedgerStore()
	q := &failingQueue{}
	l := New(store, WithMirrorQueue(q))

	e, err := l.Append(ctx, draft("u1"))
	if err != nil {
		t.Fatalf("Append() error = %v, mirroring failure must not fail the append", err)
	}
	if q.enqueued != 1 {
		t.Errorf("enqueued = %d, want 1", q.enqueued)
	}
	state, err := store.ReplicationState(ctx, e.AuditID)
	if err != nil {
		t.Fatal(err)
	}
	if state != domain.ReplicationFailed {
		t.Errorf("replication state = %s, want failed", state)
	}

	res, _ := l.Verify(ctx, "user:u1")
	if !res.Valid {
		t.Error("chain should remain valid")
	}
}

func TestLedger_Clock(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	l := New(memory.NewLedgerStore(), WithClock(func() time.Time { return fixed }))

	e, err := l.Append(context.Background(), draft("u1"))
	if err != nil {
		t.Fatal(err)
	}
	if !e.CreatedAt.Equal(fixed.Truncate(time.Millisecond)) {
		t.Errorf("CreatedAt = %v, want millisecond-truncated %v", e.CreatedAt, fixed)
	}
}
