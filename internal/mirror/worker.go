package mirror

import (
	"context"
	"log/slog"
	"time"

	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/core/ports"
	"github.com/tjfontaine/coachllm/internal/telemetry"
)

// StateRecorder records mirroring progress on the ledger.
type StateRecorder interface {
	SetReplicationState(ctx context.Context, auditID string, state domain.ReplicationState) error
}

// Worker drains the queue into every sink. An event leaves the queue only
// after all sinks accepted it. A rejected batch is marked failed and retried
// on the next tick.
type Worker struct {
	queue     ports.MirrorQueue
	sinks     []ports.MirrorSink
	states    StateRecorder
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithInterval sets the time between drains.
func WithInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithBatchSize caps the events published per drain.
func WithBatchSize(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWorker creates a mirroring worker.
func NewWorker(queue ports.MirrorQueue, states StateRecorder, sinks []ports.MirrorSink, opts ...WorkerOption) *Worker {
	w := &Worker{
		queue:     queue,
		sinks:     sinks,
		states:    states,
		interval:  30 * time.Second,
		batchSize: 100,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run drains the queue every interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Flush(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("audit mirroring failed, will retry", slog.String("error", err.Error()))
			}
		}
	}
}

// Flush publishes one batch and returns how many events were mirrored.
func (w *Worker) Flush(ctx context.Context) (int, error) {
	if len(w.sinks) == 0 {
		return 0, nil
	}

	batch, err := w.queue.Peek(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	for _, sink := range w.sinks {
		if err := sink.Publish(ctx, batch); err != nil {
			telemetry.MirrorEvents.WithLabelValues(sink.Name(), "error").Add(float64(len(batch)))
			w.record(ctx, batch, domain.ReplicationFailed)
			return 0, err
		}
		telemetry.MirrorEvents.WithLabelValues(sink.Name(), "success").Add(float64(len(batch)))
	}

	if err := w.queue.Ack(ctx, batch); err != nil {
		return 0, err
	}

	w.record(ctx, batch, domain.ReplicationMirrored)

	w.logger.Debug("mirrored audit events", slog.Int("count", len(batch)))
	return len(batch), nil
}

func (w *Worker) record(ctx context.Context, batch []*domain.AuditEvent, state domain.ReplicationState) {
	for _, e := range batch {
		if err := w.states.SetReplicationState(ctx, e.AuditID, state); err != nil {
			w.logger.Warn("failed to record replication state",
				slog.String("audit_id", e.AuditID),
				slog.String("state", string(state)),
				slog.String("error", err.Error()))
		}
	}
}
