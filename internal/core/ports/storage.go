package ports

import (
	"context"
	"time"

	"github.com/tjfontaine/coachllm/internal/core/domain"
)

// LedgerStore persists audit events. It offers no way to update or delete an
// event once inserted.
type LedgerStore interface {
	// Head returns the most recent event of a chain, or nil if the chain is empty.
	Head(ctx context.Context, chainKey string) (*domain.AuditEvent, error)

	// Insert durably writes a new event. It fails if the chain position is taken.
	Insert(ctx context.Context, event *domain.AuditEvent) error

	// List returns a chain's events in chain order.
	List(ctx context.Context, chainKey string, opts ListOptions) ([]*domain.AuditEvent, error)

	// Chains returns every chain key with at least one event.
	Chains(ctx context.Context) ([]string, error)

	// SetReplicationState records mirroring progress for an event.
	SetReplicationState(ctx context.Context, auditID string, state domain.ReplicationState) error

	// ReplicationState returns the mirroring state of an event.
	ReplicationState(ctx context.Context, auditID string) (domain.ReplicationState, error)

	Close() error
}

// ListOptions contains pagination options.
type ListOptions struct {
	// FromPosition is the first chain position returned.
	FromPosition int64
	// Limit caps the number of events; zero means no limit.
	Limit int
}

// JournalStore reads and writes journal entries on the device.
type JournalStore interface {
	// AddEntry stores a journal entry.
	AddEntry(ctx context.Context, entry *domain.JournalEntry) error

	// ListEntries returns a user's entries created at or after since, newest first.
	ListEntries(ctx context.Context, userID string, since time.Time) ([]domain.JournalEntry, error)

	// GetEntries returns the user's entries with the given ids, in the order
	// requested. An id the user does not own is a not found error.
	GetEntries(ctx context.Context, userID string, ids []string) ([]domain.JournalEntry, error)
}

// ProfileStore reads and writes personality profiles.
type ProfileStore interface {
	// GetProfile returns a user's profile or a not found error.
	GetProfile(ctx context.Context, userID string) (*domain.UserProfile, error)

	// SaveProfile creates or replaces a user's profile.
	SaveProfile(ctx context.Context, profile *domain.UserProfile) error
}

// TrendQuery selects community trends.
type TrendQuery struct {
	MBTIType string
	Domains  []string
	Since    time.Time
	Limit    int
}

// CommunitySource provides aggregate community signals.
type CommunitySource interface {
	// Trends returns trend records matching the query, most mentioned first.
	Trends(ctx context.Context, q TrendQuery) ([]domain.TrendRecord, error)

	// TypeInsight returns community knowledge for a personality type.
	TypeInsight(ctx context.Context, mbtiType string) (*domain.TypeInsight, error)
}

// ContentQuery selects content library items.
type ContentQuery struct {
	MBTIType string
	Domains  []string
	Kinds    []domain.ContentKind
	// LimitPerKind caps items per kind; zero means no limit.
	LimitPerKind int
}

// ContentLibrary searches articles, exercises, videos and tools.
type ContentLibrary interface {
	SearchContent(ctx context.Context, q ContentQuery) ([]domain.ContentItem, error)
}

// PolicyStore persists the routing policy.
type PolicyStore interface {
	// LoadRoutingPolicy returns the saved policy, or nil if none was saved.
	LoadRoutingPolicy(ctx context.Context) (*domain.RoutingPolicy, error)

	SaveRoutingPolicy(ctx context.Context, policy domain.RoutingPolicy) error
}
