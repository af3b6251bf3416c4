package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/core/ports"
)

type trendRow struct {
	Topic      string `db:"topic"`
	MBTIType   string `db:"mbti_type"`
	Domain     string `db:"domain"`
	Mentions   int    `db:"mentions"`
	ObservedAt string `db:"observed_at"`
}

type insightRow struct {
	MBTIType             string `db:"mbti_type"`
	CommonChallenges     string `db:"common_challenges"`
	SuccessfulStrategies string `db:"successful_strategies"`
}

type contentRow struct {
	ID        string `db:"id"`
	Kind      string `db:"kind"`
	Title     string `db:"title"`
	Summary   string `db:"summary"`
	URL       string `db:"url"`
	Domains   string `db:"domains"`
	MBTITypes string `db:"mbti_types"`
}

// AddTrend records a trend observation.
func (s *Store) AddTrend(ctx context.Context, t domain.TrendRecord) error {
	query := `INSERT INTO community_trends (topic, mbti_type, domain, mentions, observed_at)
		VALUES (:topic, :mbti_type, :domain, :mentions, :observed_at) ` +
		s.dialect.Upsert([]string{"topic", "mbti_type", "domain", "observed_at"}, []string{"mentions"})

	_, err := s.db.NamedExecContext(ctx, query, trendRow{
		Topic:      t.Topic,
		MBTIType:   strings.ToUpper(t.MBTIType),
		Domain:     t.Domain,
		Mentions:   t.Mentions,
		ObservedAt: formatTime(t.ObservedAt),
	})
	if err != nil {
		return fmt.Errorf("failed to insert trend: %w", err)
	}
	return nil
}

// Trends returns trend records matching the query, most mentioned first.
// Records without a type or domain apply to everyone.
func (s *Store) Trends(ctx context.Context, q ports.TrendQuery) ([]domain.TrendRecord, error) {
	var (
		where []string
		args  []any
	)
	where = append(where, "observed_at >= ?")
	args = append(args, formatTime(q.Since))
	if q.MBTIType != "" {
		where = append(where, "(mbti_type = '' OR mbti_type = ?)")
		args = append(args, strings.ToUpper(q.MBTIType))
	}
	if len(q.Domains) > 0 {
		where = append(where, "(domain = '' OR domain IN (?))")
		args = append(args, q.Domains)
	}

	query := `SELECT topic, mbti_type, domain, mentions, observed_at FROM community_trends
		WHERE ` + strings.Join(where, " AND ") + ` ORDER BY mentions DESC, topic ASC`
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to expand trend query: %w", err)
	}

	var rows []trendRow
	if err := s.db.SelectContext(ctx, &rows, s.dialect.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query trends: %w", err)
	}

	out := make([]domain.TrendRecord, 0, len(rows))
	for _, r := range rows {
		observed, err := parseTime(r.ObservedAt)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.TrendRecord{
			Topic:      r.Topic,
			MBTIType:   r.MBTIType,
			Domain:     r.Domain,
			Mentions:   r.Mentions,
			ObservedAt: observed,
		})
	}
	return out, nil
}

// SetInsight stores community insight for a type.
func (s *Store) SetInsight(ctx context.Context, in domain.TypeInsight) error {
	challenges, err := json.Marshal(nonNil(in.CommonChallenges))
	if err != nil {
		return err
	}
	strategies, err := json.Marshal(nonNil(in.SuccessfulStrategies))
	if err != nil {
		return err
	}

	query := `INSERT INTO type_insights (mbti_type, common_challenges, successful_strategies)
		VALUES (:mbti_type, :common_challenges, :successful_strategies) ` +
		s.dialect.Upsert([]string{"mbti_type"}, []string{"common_challenges", "successful_strategies"})

	_, err = s.db.NamedExecContext(ctx, query, insightRow{
		MBTIType:             strings.ToUpper(in.MBTIType),
		CommonChallenges:     string(challenges),
		SuccessfulStrategies: string(strategies),
	})
	if err != nil {
		return fmt.Errorf("failed to save type insight: %w", err)
	}
	return nil
}

// TypeInsight returns community knowledge for a personality type.
func (s *Store) TypeInsight(ctx context.Context, mbtiType string) (*domain.TypeInsight, error) {
	var row insightRow
	query := s.dialect.Rebind(`SELECT mbti_type, common_challenges, successful_strategies
		FROM type_insights WHERE mbti_type = ?`)
	err := s.db.GetContext(ctx, &row, query, strings.ToUpper(mbtiType))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound("no community insight for " + mbtiType)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query type insight: %w", err)
	}

	in := &domain.TypeInsight{MBTIType: row.MBTIType}
	if err := json.Unmarshal([]byte(row.CommonChallenges), &in.CommonChallenges); err != nil {
		return nil, fmt.Errorf("failed to unmarshal challenges: %w", err)
	}
	if err := json.Unmarshal([]byte(row.SuccessfulStrategies), &in.SuccessfulStrategies); err != nil {
		return nil, fmt.Errorf("failed to unmarshal strategies: %w", err)
	}
	return in, nil
}

// AddContent adds or replaces a content library item.
func (s *Store) AddContent(ctx context.Context, item domain.ContentItem) error {
	domains, err := json.Marshal(nonNil(item.Domains))
	if err != nil {
		return err
	}
	types, err := json.Marshal(nonNil(item.MBTITypes))
	if err != nil {
		return err
	}

	query := `INSERT INTO content_items (id, kind, title, summary, url, domains, mbti_types)
		VALUES (:id, :kind, :title, :summary, :url, :domains, :mbti_types) ` +
		s.dialect.Upsert([]string{"id"}, []string{"kind", "title", "summary", "url", "domains", "mbti_types"})

	_, err = s.db.NamedExecContext(ctx, query, contentRow{
		ID:        item.ID,
		Kind:      string(item.Kind),
		Title:     item.Title,
		Summary:   item.Summary,
		URL:       item.URL,
		Domains:   string(domains),
		MBTITypes: string(types),
	})
	if err != nil {
		return fmt.Errorf("failed to save content item: %w", err)
	}
	return nil
}

// SearchContent returns items of the requested kinds that suit the type and
// domains. Items that name no type or domain suit everyone.
func (s *Store) SearchContent(ctx context.Context, q ports.ContentQuery) ([]domain.ContentItem, error) {
	query := `SELECT id, kind, title, summary, url, domains, mbti_types FROM content_items`
	var args []any
	if len(q.Kinds) > 0 {
		query += ` WHERE kind IN (?)`
		args = append(args, q.Kinds)
	}
	query += ` ORDER BY kind, id`

	if len(args) > 0 {
		var err error
		query, args, err = sqlx.In(query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to expand content query: %w", err)
		}
	}

	var rows []contentRow
	if err := s.db.SelectContext(ctx, &rows, s.dialect.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query content: %w", err)
	}

	perKind := make(map[domain.ContentKind]int)
	var out []domain.ContentItem
	for _, r := range rows {
		item := domain.ContentItem{
			ID:      r.ID,
			Kind:    domain.ContentKind(r.Kind),
			Title:   r.Title,
			Summary: r.Summary,
			URL:     r.URL,
		}
		if err := json.Unmarshal([]byte(r.Domains), &item.Domains); err != nil {
			return nil, fmt.Errorf("failed to unmarshal domains: %w", err)
		}
		if err := json.Unmarshal([]byte(r.MBTITypes), &item.MBTITypes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal types: %w", err)
		}

		if q.MBTIType != "" && len(item.MBTITypes) > 0 && !containsFold(item.MBTITypes, q.MBTIType) {
			continue
		}
		if len(q.Domains) > 0 && len(item.Domains) > 0 && !overlapsFold(q.Domains, item.Domains) {
			continue
		}
		if q.LimitPerKind > 0 && perKind[item.Kind] >= q.LimitPerKind {
			continue
		}
		perKind[item.Kind]++
		out = append(out, item)
	}
	return out, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func overlapsFold(a, b []string) bool {
	for _, v := range a {
		if containsFold(b, v) {
			return true
		}
	}
	return false
}
