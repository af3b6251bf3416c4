package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/core/ports"
	"github.com/tjfontaine/coachllm/internal/ledger"
	"github.com/tjfontaine/coachllm/internal/storage/memory"
	"github.com/tjfontaine/coachllm/internal/storage/sqldb"
)

func openTestQueue(t *testing.T) *Queue {
	t.Helper()
	q, err := OpenQueue(QueueConfig{InMemory: true})
	if err != nil {
		t.Fatalf("OpenQueue() error = %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func appendEvents(t *testing.T, l *ledger.Ledger, n int) []*domain.AuditEvent {
	t.Helper()
	var out []*domain.AuditEvent
	for i := 0; i < n; i++ {
		e, err := l.Append(context.Background(), domain.AuditDraft{
			TraceID:   "trace-1",
			UserID:    "u1",
			EventType: domain.EventTypeInferenceRequest,
			Action:    "dispatch",
		})
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, e)
	}
	return out
}

func TestQueue_FIFO(t *testing.T) {
	ctx := context.Background()
	q := openTestQueue(t)
	l := ledger.New(memory.NewLedgerStore())
	events := appendEvents(t, l, 5)

	for _, e := range events {
		if err := q.Enqueue(ctx, e); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	// Duplicates are dropped.
	if err := q.Enqueue(ctx, events[0]); err != nil {
		t.Fatal(err)
	}

	n, err := q.Len(ctx)
	if err != nil || n != 5 {
		t.Fatalf("Len() = %d, %v; want 5", n, err)
	}

	peeked, err := q.Peek(ctx, 3)
	if err != nil {
		t.Fatalf("Peek() error = %v", err)
	}
	if len(peeked) != 3 {
		t.Fatalf("len(Peek()) = %d, want 3", len(peeked))
	}
	for i, e := range peeked {
		if e.AuditID != events[i].AuditID {
			t.Errorf("Peek()[%d] = %s, want %s", i, e.AuditID, events[i].AuditID)
		}
	}

	if err := q.Ack(ctx, peeked); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	rest, _ := q.Peek(ctx, 0)
	if len(rest) != 2 || rest[0].AuditID != events[3].AuditID {
		t.Errorf("after Ack, Peek() = %d events starting at %v", len(rest), rest)
	}
}

type recordingSink struct {
	name      string
	failures  int
	published [][]*domain.AuditEvent
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Publish(ctx context.Context, events []*domain.AuditEvent) error {
	if s.failures > 0 {
		s.failures--
		return errors.New("sink unavailable")
	}
	s.published = append(s.published, events)
	return nil
}

func TestWorker_FlushRetriesUntilAllSinksAccept(t *testing.T) {
	ctx := context.Background()
	store := memory.NewLedgerStore()
	q := openTestQueue(t)
	l := ledger.New(store, ledger.WithMirrorQueue(q))
	events := appendEvents(t, l, 3)

	good := &recordingSink{name: "good"}
	flaky := &recordingSink{name: "flaky", failures: 1}
	w := NewWorker(q, store, []ports.MirrorSink{good, flaky}, WithBatchSize(10))

	if _, err := w.Flush(ctx); err == nil {
		t.Fatal("Flush() should fail while a sink is down")
	}
	if n, _ := q.Len(ctx); n != 3 {
		t.Errorf("queue length after failed flush = %d, want 3", n)
	}
	for _, e := range events {
		state, _ := store.ReplicationState(ctx, e.AuditID)
		if state != domain.ReplicationFailed {
			t.Errorf("event %s state after rejected batch = %s, want failed", e.AuditID, state)
		}
	}

	n, err := w.Flush(ctx)
	if err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if n != 3 {
		t.Errorf("Flush() mirrored %d, want 3", n)
	}
	if left, _ := q.Len(ctx); left != 0 {
		t.Errorf("queue length = %d, want 0", left)
	}
	for _, e := range events {
		state, _ := store.ReplicationState(ctx, e.AuditID)
		if state != domain.ReplicationMirrored {
			t.Errorf("event %s state = %s, want mirrored", e.AuditID, state)
		}
	}
	if len(flaky.published) != 1 || len(flaky.published[0]) != 3 {
		t.Errorf("flaky sink received %v", flaky.published)
	}
}

func TestWorker_MirrorsIntoRemoteStore(t *testing.T) {
	ctx := context.Background()
	store := memory.NewLedgerStore()
	q := openTestQueue(t)
	l := ledger.New(store, ledger.WithMirrorQueue(q))
	events := appendEvents(t, l, 4)

	remote, err := sqldb.NewSQLite("file:mirrorworker?mode=memory&cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	defer remote.Close()

	w := NewWorker(q, store, []ports.MirrorSink{remote}, WithBatchSize(3))
	for {
		n, err := w.Flush(ctx)
		if err != nil {
			t.Fatalf("Flush() error = %v", err)
		}
		if n == 0 {
			break
		}
	}

	mirrored, err := remote.MirroredEvents(ctx, "user:u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(mirrored) != len(events) {
		t.Fatalf("mirrored %d events, want %d", len(mirrored), len(events))
	}
	for i := 1; i < len(mirrored); i++ {
		if *mirrored[i].PreviousHash != mirrored[i-1].EventHash {
			t.Errorf("mirrored chain broken at %d", i)
		}
	}
}

type fakeProducer struct {
	records []*kgo.Record
	err     error
}

func (p *fakeProducer) ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	p.records = append(p.records, rs...)
	results := make(kgo.ProduceResults, 0, len(rs))
	for _, r := range rs {
		results = append(results, kgo.ProduceResult{Record: r, Err: p.err})
	}
	return results
}

func (p *fakeProducer) Close() {}

func TestKafkaSink_Publish(t *testing.T) {
	l := ledger.New(memory.NewLedgerStore())
	events := appendEvents(t, l, 2)

	p := &fakeProducer{}
	sink := &KafkaSink{client: p, topic: "audit"}
	if err := sink.Publish(context.Background(), events); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(p.records) != 2 {
		t.Fatalf("produced %d records, want 2", len(p.records))
	}
	r := p.records[1]
	if string(r.Key) != "user:u1" || r.Topic != "audit" {
		t.Errorf("record key/topic = %s/%s", r.Key, r.Topic)
	}
	var decoded domain.AuditEvent
	if err := json.Unmarshal(r.Value, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.EventHash != events[1].EventHash {
		t.Errorf("decoded hash = %s, want %s", decoded.EventHash, events[1].EventHash)
	}

	p.err = errors.New("broker down")
	if err := sink.Publish(context.Background(), events); err == nil {
		t.Error("Publish() should surface produce errors")
	}
}
