package ports

import (
	"context"
	"time"

	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/pkg/config"
)

// ConfigProvider loads and manages configuration.
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// EngineRequest is one inference call as seen by an engine.
type EngineRequest struct {
	Model       string
	System      string
	Prompt      string
	Temperature *float64
	MaxTokens   int
	MBTIType    string
	Feature     domain.Feature

	// Data is the structured input. Its details are already rendered into
	// Prompt; engines replay Data.History as prior conversation turns.
	Data *domain.InputData
	// JSONOutput asks the backend for a bare JSON object.
	JSONOutput bool
}

// History returns the prior conversation turns, oldest first.
func (r *EngineRequest) History() []domain.ChatTurn {
	if r.Data == nil {
		return nil
	}
	return r.Data.History
}

// EngineResult is an engine's answer.
type EngineResult struct {
	Text            string
	Model           string
	TokensProcessed int
	// Confidence is the engine's own estimate; zero means unknown.
	Confidence float64
}

// InferenceEngine runs inference against one backend.
// Implementations: OpenAI, Anthropic, local (Ollama-compatible), offline templates.
type InferenceEngine interface {
	Name() string
	Type() domain.ProviderType
	Infer(ctx context.Context, req *EngineRequest) (*EngineResult, error)
}

// AuditAppender appends drafts to the audit ledger.
type AuditAppender interface {
	Append(ctx context.Context, draft domain.AuditDraft) (*domain.AuditEvent, error)
}

// MirrorQueue holds events waiting to be mirrored to remote sinks.
type MirrorQueue interface {
	Enqueue(ctx context.Context, event *domain.AuditEvent) error
	// Peek returns up to n of the oldest queued events without removing them.
	Peek(ctx context.Context, n int) ([]*domain.AuditEvent, error)
	// Ack removes events from the queue.
	Ack(ctx context.Context, events []*domain.AuditEvent) error
	Len(ctx context.Context) (int, error)
	Close() error
}

// MirrorSink receives mirrored audit events.
// Implementations: remote relational store, Kafka.
type MirrorSink interface {
	Name() string
	Publish(ctx context.Context, events []*domain.AuditEvent) error
}

// ResponseCache stores orchestration results for offline reuse.
// Implementations: in-process LRU, Redis.
type ResponseCache interface {
	Get(ctx context.Context, key string) (*domain.OrchestrationResult, bool, error)
	Set(ctx context.Context, key string, result *domain.OrchestrationResult, ttl time.Duration) error
}

// CredentialStore opens provider credentials for the duration of a call.
type CredentialStore interface {
	Use(name string, fn func(secret string) error) error
}
