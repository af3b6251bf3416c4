// Package ledger implements the append-only, hash-chained audit ledger.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/core/ports"
	"github.com/tjfontaine/coachllm/internal/telemetry"
)

const verifyPageSize = 500

// Ledger appends audit events to per-chain hash chains. Appends to one chain
// are serialized; appends to different chains run in parallel.
type Ledger struct {
	store  ports.LedgerStore
	queue  ports.MirrorQueue
	logger *slog.Logger
	now    func() time.Time
	locks  *keyedMutex
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMirrorQueue queues every appended event for remote mirroring.
func WithMirrorQueue(q ports.MirrorQueue) Option {
	return func(l *Ledger) {
		l.queue = q
	}
}

// WithClock overrides the clock used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// New creates a ledger over store.
func New(store ports.LedgerStore, opts ...Option) *Ledger {
	l := &Ledger{
		store:  store,
		logger: slog.Default(),
		now:    time.Now,
		locks:  newKeyedMutex(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append hashes, positions and durably writes a draft. Any failure to write
// is reported as an audit write failure.
func (l *Ledger) Append(ctx context.Context, draft domain.AuditDraft) (*domain.AuditEvent, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "ledger.Append")
	defer span.End()

	if draft.UserID == "" && draft.TraceID == "" {
		return nil, domain.ErrInvalidRequest("audit draft needs a user or trace id")
	}

	key := draft.ChainKey()
	span.SetAttributes(attribute.String("ledger.chain_key", key))

	unlock := l.locks.Lock(key)
	defer unlock()

	head, err := l.store.Head(ctx, key)
	if err != nil {
		return nil, l.fail(span, key, fmt.Errorf("read chain head: %w", err))
	}

	created := draft.CreatedAt
	if created.IsZero() {
		created = l.now()
	}

	event := &domain.AuditEvent{
		AuditID:              uuid.NewString(),
		TraceID:              draft.TraceID,
		UserID:               draft.UserID,
		SessionID:            draft.SessionID,
		EventType:            draft.EventType,
		Action:               draft.Action,
		DataSensitivityLevel: draft.DataSensitivityLevel,
		ProcessingMethod:     draft.ProcessingMethod,
		SanitizationApplied:  draft.SanitizationApplied,
		ExternalAPIUsed:      draft.ExternalAPIUsed,
		ComplianceFlags:      normalizeFlags(draft.ComplianceFlags),
		InputLength:          draft.InputLength,
		OutputLength:         draft.OutputLength,
		ProcessingTimeMs:     draft.ProcessingTimeMs,
		Status:               draft.Status,
		ErrorType:            draft.ErrorType,
		FallbackTriggered:    draft.FallbackTriggered,
		ChainKey:             key,
		// Stored timestamps carry millisecond precision only.
		CreatedAt: time.UnixMilli(created.UnixMilli()).UTC(),
	}
	if event.Status == "" {
		event.Status = domain.StatusSuccess
	}
	if head != nil {
		prev := head.EventHash
		event.PreviousHash = &prev
		event.ChainPosition = head.ChainPosition + 1
	}

	hash, err := EventHash(event)
	if err != nil {
		return nil, l.fail(span, key, fmt.Errorf("canonicalize event: %w", err))
	}
	event.EventHash = hash

	if err := l.store.Insert(ctx, event); err != nil {
		return nil, l.fail(span, key, fmt.Errorf("insert event: %w", err))
	}
	telemetry.LedgerAppends.WithLabelValues("success").Inc()

	if l.queue != nil {
		if err := l.queue.Enqueue(ctx, event); err != nil {
			l.logger.Warn("failed to queue audit event for mirroring",
				slog.String("audit_id", event.AuditID),
				slog.String("chain_key", key),
				slog.String("error", err.Error()))
			if err := l.store.SetReplicationState(ctx, event.AuditID, domain.ReplicationFailed); err != nil {
				l.logger.Warn("failed to record replication state",
					slog.String("audit_id", event.AuditID),
					slog.String("error", err.Error()))
			}
		}
	}

	return event, nil
}

func (l *Ledger) fail(span trace.Span, key string, err error) error {
	telemetry.LedgerAppends.WithLabelValues("failure").Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, "audit write failed")
	l.logger.Error("audit append failed",
		slog.String("chain_key", key),
		slog.String("error", err.Error()))
	return domain.ErrAuditWrite("audit event could not be recorded").WithCause(err)
}

// Events lists a chain's events in order.
func (l *Ledger) Events(ctx context.Context, chainKey string, opts ports.ListOptions) ([]*domain.AuditEvent, error) {
	return l.store.List(ctx, chainKey, opts)
}

// Chains lists every chain key in the ledger.
func (l *Ledger) Chains(ctx context.Context) ([]string, error) {
	return l.store.Chains(ctx)
}

// Verify walks a chain from the genesis event, checking positions, links and
// hashes. A broken chain is reported in the result, not as an error.
func (l *Ledger) Verify(ctx context.Context, chainKey string) (*domain.ChainVerification, error) {
	result := &domain.ChainVerification{ChainKey: chainKey, Valid: true}

	var (
		prevHash *string
		next     int64
	)
	for {
		page, err := l.store.List(ctx, chainKey, ports.ListOptions{FromPosition: next, Limit: verifyPageSize})
		if err != nil {
			return nil, fmt.Errorf("list chain %s: %w", chainKey, err)
		}

		for _, e := range page {
			if reason, desc := checkEvent(e, next, prevHash); reason != "" {
				pos := next
				result.Valid = false
				result.BrokenAt = &pos
				result.Reason = reason
				result.Description = desc
				result.Length = next
				return result, nil
			}
			h := e.EventHash
			prevHash = &h
			next++
		}

		if len(page) < verifyPageSize {
			break
		}
	}

	result.Length = next
	if prevHash != nil {
		result.HeadHash = *prevHash
	}
	return result, nil
}

func checkEvent(e *domain.AuditEvent, wantPos int64, prevHash *string) (domain.ErrorCode, string) {
	if e.ChainPosition != wantPos {
		return domain.ErrorCodePositionGap, fmt.Sprintf("expected position %d, found %d", wantPos, e.ChainPosition)
	}
	switch {
	case prevHash == nil && e.PreviousHash != nil:
		return domain.ErrorCodeLinkMismatch, "genesis event has a previous hash"
	case prevHash != nil && (e.PreviousHash == nil || !hashEqual(*prevHash, *e.PreviousHash)):
		return domain.ErrorCodeLinkMismatch, "previous hash does not match prior event"
	}
	want, err := EventHash(e)
	if err != nil {
		return domain.ErrorCodeHashMismatch, err.Error()
	}
	if !hashEqual(want, e.EventHash) {
		return domain.ErrorCodeHashMismatch, "event content does not match its hash"
	}
	return "", ""
}

// keyedMutex hands out one mutex per key and drops it when unused.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// Lock acquires the mutex for key and returns its release function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
