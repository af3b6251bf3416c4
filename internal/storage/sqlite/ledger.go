package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/core/ports"
)

const auditColumns = `audit_id, chain_key, chain_position, trace_id, user_id, session_id,
	event_type, action, data_sensitivity_level, processing_method, sanitization_applied,
	external_api_used, compliance_flags, input_length, output_length, processing_time_ms,
	status, error_type, fallback_triggered, previous_hash, event_hash, created_at`

// Head returns the most recent event of a chain.
func (s *Store) Head(ctx context.Context, chainKey string) (*domain.AuditEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+auditColumns+` FROM audit_events
		WHERE chain_key = ? ORDER BY chain_position DESC LIMIT 1`, chainKey)

	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read chain head: %w", err)
	}
	return e, nil
}

// Insert writes an event and its pending replication state in one transaction.
func (s *Store) Insert(ctx context.Context, e *domain.AuditEvent) error {
	flags, err := json.Marshal(e.ComplianceFlags)
	if err != nil {
		return fmt.Errorf("failed to marshal compliance flags: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var previousHash sql.NullString
	if e.PreviousHash != nil {
		previousHash = sql.NullString{String: *e.PreviousHash, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO audit_events (`+auditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.AuditID, e.ChainKey, e.ChainPosition, e.TraceID, e.UserID, nullString(e.SessionID),
		e.EventType, e.Action, string(e.DataSensitivityLevel), string(e.ProcessingMethod), e.SanitizationApplied,
		e.ExternalAPIUsed, string(flags), e.InputLength, e.OutputLength, e.ProcessingTimeMs,
		string(e.Status), nullString(e.ErrorType), e.FallbackTriggered, previousHash, e.EventHash,
		e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO audit_replication (audit_id, state, updated_at) VALUES (?, ?, ?)`,
		e.AuditID, string(domain.ReplicationPending), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert replication state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit audit event: %w", err)
	}
	return nil
}

// List returns a chain's events in chain order.
func (s *Store) List(ctx context.Context, chainKey string, opts ports.ListOptions) ([]*domain.AuditEvent, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1 // no limit
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+auditColumns+` FROM audit_events
		WHERE chain_key = ? AND chain_position >= ?
		ORDER BY chain_position ASC LIMIT ?`, chainKey, opts.FromPosition, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit events: %w", err)
	}
	defer rows.Close()

	var events []*domain.AuditEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Chains returns every chain key in the ledger.
func (s *Store) Chains(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT chain_key FROM audit_events ORDER BY chain_key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query chains: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// SetReplicationState records mirroring progress. The event itself is untouched.
func (s *Store) SetReplicationState(ctx context.Context, auditID string, state domain.ReplicationState) error {
	res, err := s.db.ExecContext(ctx, `UPDATE audit_replication SET state = ?, updated_at = ? WHERE audit_id = ?`,
		string(state), time.Now().UnixMilli(), auditID)
	if err != nil {
		return fmt.Errorf("failed to update replication state: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("audit event %s not found", auditID)
	}
	return nil
}

// ReplicationState returns the mirroring state of an event.
func (s *Store) ReplicationState(ctx context.Context, auditID string) (domain.ReplicationState, error) {
	var state string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM audit_replication WHERE audit_id = ?`, auditID).Scan(&state)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("audit event %s not found", auditID)
	}
	if err != nil {
		return "", fmt.Errorf("failed to read replication state: %w", err)
	}
	return domain.ReplicationState(state), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(row scanner) (*domain.AuditEvent, error) {
	var (
		e                    domain.AuditEvent
		sessionID, errorType sql.NullString
		previousHash         sql.NullString
		sensitivity, method  string
		status, flags        string
		createdAt            int64
	)
	err := row.Scan(&e.AuditID, &e.ChainKey, &e.ChainPosition, &e.TraceID, &e.UserID, &sessionID,
		&e.EventType, &e.Action, &sensitivity, &method, &e.SanitizationApplied,
		&e.ExternalAPIUsed, &flags, &e.InputLength, &e.OutputLength, &e.ProcessingTimeMs,
		&status, &errorType, &e.FallbackTriggered, &previousHash, &e.EventHash, &createdAt)
	if err != nil {
		return nil, err
	}

	e.SessionID = sessionID.String
	e.ErrorType = errorType.String
	e.DataSensitivityLevel = domain.Sensitivity(sensitivity)
	e.ProcessingMethod = domain.ProcessingMethod(method)
	e.Status = domain.EventStatus(status)
	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	if previousHash.Valid {
		h := previousHash.String
		e.PreviousHash = &h
	}
	if err := json.Unmarshal([]byte(flags), &e.ComplianceFlags); err != nil {
		return nil, fmt.Errorf("failed to unmarshal compliance flags: %w", err)
	}
	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
