package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/coachllm/internal/core/domain"
)

const routingPolicyKey = "routing_policy"

// AddEntry stores a journal entry.
func (s *Store) AddEntry(ctx context.Context, entry *domain.JournalEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	tags, err := json.Marshal(entry.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO journal_entries (id, user_id, content, mood, tags, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.UserID, entry.Content, nullString(entry.Mood), string(tags), entry.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to insert journal entry: %w", err)
	}
	return nil
}

// ListEntries returns a user's entries created at or after since, newest first.
func (s *Store) ListEntries(ctx context.Context, userID string, since time.Time) ([]domain.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, content, mood, tags, created_at
		FROM journal_entries WHERE user_id = ? AND created_at >= ?
		ORDER BY created_at DESC`, userID, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("failed to query journal entries: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// GetEntries returns the user's entries with the given ids, in the order
// requested.
func (s *Store) GetEntries(ctx context.Context, userID string, ids []string) ([]domain.JournalEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, userID)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, content, mood, tags, created_at
		FROM journal_entries WHERE user_id = ? AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query journal entries: %w", err)
	}
	defer rows.Close()

	found, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.JournalEntry, len(found))
	for _, e := range found {
		byID[e.ID] = e
	}
	out := make([]domain.JournalEntry, 0, len(ids))
	for _, id := range ids {
		e, ok := byID[id]
		if !ok {
			return nil, domain.ErrNotFound(fmt.Sprintf("journal entry %s not found", id))
		}
		out = append(out, e)
	}
	return out, nil
}

func scanEntries(rows *sql.Rows) ([]domain.JournalEntry, error) {
	var entries []domain.JournalEntry
	for rows.Next() {
		var (
			e         domain.JournalEntry
			mood      sql.NullString
			tags      sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.Content, &mood, &tags, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal entry: %w", err)
		}
		e.Mood = mood.String
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		if tags.Valid && tags.String != "" {
			if err := json.Unmarshal([]byte(tags.String), &e.Tags); err != nil {
				return nil, fmt.Errorf("failed to unmarshal tags: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// GetProfile returns a user's profile or a not found error.
func (s *Store) GetProfile(ctx context.Context, userID string) (*domain.UserProfile, error) {
	var (
		p                 domain.UserProfile
		mbti, mood        sql.NullString
		coreValues, goals sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `SELECT user_id, mbti_type, core_values, current_mood, goals
		FROM profiles WHERE user_id = ?`, userID).Scan(&p.UserID, &mbti, &coreValues, &mood, &goals)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNotFound(fmt.Sprintf("profile for user %s not found", userID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	p.MBTIType = mbti.String
	p.CurrentMood = mood.String
	if err := unmarshalList(coreValues, &p.CoreValues); err != nil {
		return nil, err
	}
	if err := unmarshalList(goals, &p.Goals); err != nil {
		return nil, err
	}
	return &p, nil
}

// SaveProfile creates or replaces a user's profile.
func (s *Store) SaveProfile(ctx context.Context, p *domain.UserProfile) error {
	coreValues, err := json.Marshal(p.CoreValues)
	if err != nil {
		return fmt.Errorf("failed to marshal core values: %w", err)
	}
	goals, err := json.Marshal(p.Goals)
	if err != nil {
		return fmt.Errorf("failed to marshal goals: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO profiles (user_id, mbti_type, core_values, current_mood, goals, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET mbti_type=excluded.mbti_type, core_values=excluded.core_values,
			current_mood=excluded.current_mood, goals=excluded.goals, updated_at=excluded.updated_at`,
		p.UserID, nullString(p.MBTIType), string(coreValues), nullString(p.CurrentMood), string(goals), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

// LoadRoutingPolicy returns the saved routing policy, or nil if none was saved.
func (s *Store) LoadRoutingPolicy(ctx context.Context) (*domain.RoutingPolicy, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, routingPolicyKey).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load routing policy: %w", err)
	}

	var p domain.RoutingPolicy
	if err := json.Unmarshal([]byte(value), &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal routing policy: %w", err)
	}
	return &p, nil
}

// SaveRoutingPolicy persists the routing policy.
func (s *Store) SaveRoutingPolicy(ctx context.Context, p domain.RoutingPolicy) error {
	value, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal routing policy: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		routingPolicyKey, string(value), time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save routing policy: %w", err)
	}
	return nil
}

func unmarshalList(v sql.NullString, dst *[]string) error {
	if !v.Valid || v.String == "" || v.String == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(v.String), dst); err != nil {
		return fmt.Errorf("failed to unmarshal list: %w", err)
	}
	return nil
}
