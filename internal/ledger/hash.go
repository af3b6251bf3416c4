package ledger

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/tjfontaine/coachllm/internal/core/domain"
)

// canonicalEvent fixes field order and representation for hashing. Field
// order follows struct order under encoding/json, optional values serialize as
// explicit nulls and timestamps as epoch milliseconds.
type canonicalEvent struct {
	AuditID              string   `json:"auditId"`
	TraceID              string   `json:"traceId"`
	UserID               string   `json:"userId"`
	SessionID            *string  `json:"sessionId"`
	EventType            string   `json:"eventType"`
	Action               string   `json:"action"`
	DataSensitivityLevel string   `json:"dataSensitivityLevel"`
	ProcessingMethod     string   `json:"processingMethod"`
	SanitizationApplied  bool     `json:"sanitizationApplied"`
	ExternalAPIUsed      bool     `json:"externalApiUsed"`
	ComplianceFlags      []string `json:"complianceFlags"`
	InputLength          int      `json:"inputLength"`
	OutputLength         int      `json:"outputLength"`
	ProcessingTimeMs     int64    `json:"processingTimeMs"`
	Status               string   `json:"status"`
	ErrorType            *string  `json:"errorType"`
	FallbackTriggered    bool     `json:"fallbackTriggered"`
	ChainKey             string   `json:"chainKey"`
	ChainPosition        int64    `json:"chainPosition"`
	CreatedAt            int64    `json:"createdAt"`
}

// Canonical returns the canonical serialization of e without its hash fields.
func Canonical(e *domain.AuditEvent) ([]byte, error) {
	c := canonicalEvent{
		AuditID:              e.AuditID,
		TraceID:              e.TraceID,
		UserID:               e.UserID,
		SessionID:            optional(e.SessionID),
		EventType:            e.EventType,
		Action:               e.Action,
		DataSensitivityLevel: string(e.DataSensitivityLevel),
		ProcessingMethod:     string(e.ProcessingMethod),
		SanitizationApplied:  e.SanitizationApplied,
		ExternalAPIUsed:      e.ExternalAPIUsed,
		ComplianceFlags:      normalizeFlags(e.ComplianceFlags),
		InputLength:          e.InputLength,
		OutputLength:         e.OutputLength,
		ProcessingTimeMs:     e.ProcessingTimeMs,
		Status:               string(e.Status),
		ErrorType:            optional(e.ErrorType),
		FallbackTriggered:    e.FallbackTriggered,
		ChainKey:             e.ChainKey,
		ChainPosition:        e.ChainPosition,
		CreatedAt:            e.CreatedAt.UnixMilli(),
	}
	return json.Marshal(c)
}

// ComputeHash returns hex(sha256(previousHash ‖ canonical)). A nil previous
// hash contributes nothing.
func ComputeHash(previousHash *string, canonical []byte) string {
	h := sha256.New()
	if previousHash != nil {
		h.Write([]byte(*previousHash))
	}
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil))
}

// EventHash recomputes the hash an event should carry.
func EventHash(e *domain.AuditEvent) (string, error) {
	canonical, err := Canonical(e)
	if err != nil {
		return "", err
	}
	return ComputeHash(e.PreviousHash, canonical), nil
}

// hashEqual compares hex digests in constant time.
func hashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// normalizeFlags sorts and de-duplicates compliance flags. The result is
// never nil so that empty sets serialize as [].
func normalizeFlags(flags []string) []string {
	out := make([]string, 0, len(flags))
	seen := make(map[string]bool, len(flags))
	for _, f := range flags {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
