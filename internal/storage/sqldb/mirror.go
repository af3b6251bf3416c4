package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tjfontaine/coachllm/internal/core/domain"
)

type mirrorRow struct {
	AuditID              string         `db:"audit_id"`
	ChainKey             string         `db:"chain_key"`
	ChainPosition        int64          `db:"chain_position"`
	TraceID              string         `db:"trace_id"`
	UserID               string         `db:"user_id"`
	SessionID            string         `db:"session_id"`
	EventType            string         `db:"event_type"`
	Action               string         `db:"action"`
	DataSensitivityLevel string         `db:"data_sensitivity_level"`
	ProcessingMethod     string         `db:"processing_method"`
	SanitizationApplied  bool           `db:"sanitization_applied"`
	ExternalAPIUsed      bool           `db:"external_api_used"`
	ComplianceFlags      string         `db:"compliance_flags"`
	InputLength          int            `db:"input_length"`
	OutputLength         int            `db:"output_length"`
	ProcessingTimeMs     int64          `db:"processing_time_ms"`
	Status               string         `db:"status"`
	ErrorType            string         `db:"error_type"`
	FallbackTriggered    bool           `db:"fallback_triggered"`
	PreviousHash         sql.NullString `db:"previous_hash"`
	EventHash            string         `db:"event_hash"`
	CreatedAt            string         `db:"created_at"`
	MirroredAt           string         `db:"mirrored_at"`
}

// Name identifies the sink in logs and metrics.
func (s *Store) Name() string { return "sql" }

// Publish mirrors a batch of events. Events already mirrored are skipped so a
// batch can be retried after a partial failure.
func (s *Store) Publish(ctx context.Context, events []*domain.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO audit_mirror (audit_id, chain_key, chain_position, trace_id, user_id, session_id,
		event_type, action, data_sensitivity_level, processing_method, sanitization_applied,
		external_api_used, compliance_flags, input_length, output_length, processing_time_ms,
		status, error_type, fallback_triggered, previous_hash, event_hash, created_at, mirrored_at)
		VALUES (:audit_id, :chain_key, :chain_position, :trace_id, :user_id, :session_id,
		:event_type, :action, :data_sensitivity_level, :processing_method, :sanitization_applied,
		:external_api_used, :compliance_flags, :input_length, :output_length, :processing_time_ms,
		:status, :error_type, :fallback_triggered, :previous_hash, :event_hash, :created_at, :mirrored_at) ` +
		s.dialect.InsertIgnore("audit_id")

	mirroredAt := formatTime(time.Now())
	for _, e := range events {
		row, err := toMirrorRow(e, mirroredAt)
		if err != nil {
			return err
		}
		if _, err := tx.NamedExecContext(ctx, query, row); err != nil {
			return fmt.Errorf("failed to mirror audit event %s: %w", e.AuditID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit mirrored events: %w", err)
	}
	return nil
}

// MirroredEvents returns the mirrored events of a chain in chain order.
func (s *Store) MirroredEvents(ctx context.Context, chainKey string) ([]*domain.AuditEvent, error) {
	var rows []mirrorRow
	query := s.dialect.Rebind(`SELECT * FROM audit_mirror WHERE chain_key = ? ORDER BY chain_position ASC`)
	if err := s.db.SelectContext(ctx, &rows, query, chainKey); err != nil {
		return nil, fmt.Errorf("failed to query mirrored events: %w", err)
	}

	events := make([]*domain.AuditEvent, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEvent()
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, nil
}

func toMirrorRow(e *domain.AuditEvent, mirroredAt string) (*mirrorRow, error) {
	flags, err := json.Marshal(e.ComplianceFlags)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal compliance flags: %w", err)
	}
	row := &mirrorRow{
		AuditID:              e.AuditID,
		ChainKey:             e.ChainKey,
		ChainPosition:        e.ChainPosition,
		TraceID:              e.TraceID,
		UserID:               e.UserID,
		SessionID:            e.SessionID,
		EventType:            e.EventType,
		Action:               e.Action,
		DataSensitivityLevel: string(e.DataSensitivityLevel),
		ProcessingMethod:     string(e.ProcessingMethod),
		SanitizationApplied:  e.SanitizationApplied,
		ExternalAPIUsed:      e.ExternalAPIUsed,
		ComplianceFlags:      string(flags),
		InputLength:          e.InputLength,
		OutputLength:         e.OutputLength,
		ProcessingTimeMs:     e.ProcessingTimeMs,
		Status:               string(e.Status),
		ErrorType:            e.ErrorType,
		FallbackTriggered:    e.FallbackTriggered,
		EventHash:            e.EventHash,
		CreatedAt:            formatTime(e.CreatedAt),
		MirroredAt:           mirroredAt,
	}
	if e.PreviousHash != nil {
		row.PreviousHash = sql.NullString{String: *e.PreviousHash, Valid: true}
	}
	return row, nil
}

func (r *mirrorRow) toEvent() (*domain.AuditEvent, error) {
	createdAt, err := parseTime(r.CreatedAt)
	if err != nil {
		return nil, err
	}
	e := &domain.AuditEvent{
		AuditID:              r.AuditID,
		ChainKey:             r.ChainKey,
		ChainPosition:        r.ChainPosition,
		TraceID:              r.TraceID,
		UserID:               r.UserID,
		SessionID:            r.SessionID,
		EventType:            r.EventType,
		Action:               r.Action,
		DataSensitivityLevel: domain.Sensitivity(r.DataSensitivityLevel),
		ProcessingMethod:     domain.ProcessingMethod(r.ProcessingMethod),
		SanitizationApplied:  r.SanitizationApplied,
		ExternalAPIUsed:      r.ExternalAPIUsed,
		InputLength:          r.InputLength,
		OutputLength:         r.OutputLength,
		ProcessingTimeMs:     r.ProcessingTimeMs,
		Status:               domain.EventStatus(r.Status),
		ErrorType:            r.ErrorType,
		FallbackTriggered:    r.FallbackTriggered,
		EventHash:            r.EventHash,
		CreatedAt:            createdAt,
	}
	if r.PreviousHash.Valid {
		h := r.PreviousHash.String
		e.PreviousHash = &h
	}
	if err := json.Unmarshal([]byte(r.ComplianceFlags), &e.ComplianceFlags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal compliance flags: %w", err)
	}
	return e, nil
}
