package domain

import "time"

// Audit event types.
const (
	EventTypeInferenceRequest    = "inference_request"
	EventTypeInferenceCompletion = "inference_completion"
	EventTypePrivacyPolicy       = "privacy_policy"
	EventTypeOrchestration       = "orchestration"
)

// EventStatus is the outcome recorded on an audit event.
type EventStatus string

const (
	StatusSuccess EventStatus = "success"
	StatusError   EventStatus = "error"
)

// ReplicationState tracks mirroring of an event to the remote store.
type ReplicationState string

const (
	ReplicationPending  ReplicationState = "pending"
	ReplicationMirrored ReplicationState = "mirrored"
	ReplicationFailed   ReplicationState = "failed"
)

// AuditDraft is what callers hand to the ledger. The ledger assigns the
// identifier, hashes and chain position.
type AuditDraft struct {
	TraceID              string
	UserID               string
	SessionID            string
	EventType            string
	Action               string
	DataSensitivityLevel Sensitivity
	ProcessingMethod     ProcessingMethod
	SanitizationApplied  bool
	ExternalAPIUsed      bool
	ComplianceFlags      []string
	InputLength          int
	OutputLength         int
	ProcessingTimeMs     int64
	Status               EventStatus
	ErrorType            string
	FallbackTriggered    bool

	// CreatedAt defaults to the ledger clock when zero.
	CreatedAt time.Time
}

// ChainKey returns the chain this draft belongs to. Events are chained per
// user; events without a user are chained per trace.
func (d AuditDraft) ChainKey() string {
	return ChainKeyFor(d.UserID, d.TraceID)
}

// ChainKeyFor builds a chain key from a user and trace id.
func ChainKeyFor(userID, traceID string) string {
	if userID != "" {
		return "user:" + userID
	}
	return "trace:" + traceID
}

// AuditEvent is one immutable, hash-linked ledger record.
type AuditEvent struct {
	AuditID              string           `json:"auditId"`
	TraceID              string           `json:"traceId"`
	UserID               string           `json:"userId"`
	SessionID            string           `json:"sessionId,omitempty"`
	EventType            string           `json:"eventType"`
	Action               string           `json:"action"`
	DataSensitivityLevel Sensitivity      `json:"dataSensitivityLevel"`
	ProcessingMethod     ProcessingMethod `json:"processingMethod"`
	SanitizationApplied  bool             `json:"sanitizationApplied"`
	ExternalAPIUsed      bool             `json:"externalApiUsed"`
	ComplianceFlags      []string         `json:"complianceFlags"`
	InputLength          int              `json:"inputLength"`
	OutputLength         int              `json:"outputLength"`
	ProcessingTimeMs     int64            `json:"processingTimeMs"`
	Status               EventStatus      `json:"status"`
	ErrorType            string           `json:"errorType,omitempty"`
	FallbackTriggered    bool             `json:"fallbackTriggered"`
	PreviousHash         *string          `json:"previousHash"`
	EventHash            string           `json:"eventHash"`
	ChainKey             string           `json:"chainKey"`
	ChainPosition        int64            `json:"chainPosition"`
	CreatedAt            time.Time        `json:"createdAt"`
}

// HasFlag reports whether the event carries the given compliance flag.
func (e *AuditEvent) HasFlag(flag string) bool {
	for _, f := range e.ComplianceFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// ChainVerification is the result of walking one chain.
type ChainVerification struct {
	ChainKey    string    `json:"chainKey"`
	Length      int64     `json:"length"`
	Valid       bool      `json:"valid"`
	HeadHash    string    `json:"headHash,omitempty"`
	BrokenAt    *int64    `json:"brokenAt,omitempty"`
	Reason      ErrorCode `json:"reason,omitempty"`
	Description string    `json:"description,omitempty"`
}
