package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/core/ports"
)

// CommunityStore is an in-memory implementation of ports.CommunitySource and
// ports.ContentLibrary.
type CommunityStore struct {
	mu       sync.RWMutex
	trends   []domain.TrendRecord
	insights map[string]domain.TypeInsight
	content  []domain.ContentItem
}

var (
	_ ports.CommunitySource = (*CommunityStore)(nil)
	_ ports.ContentLibrary  = (*CommunityStore)(nil)
)

// NewCommunityStore creates an empty community store.
func NewCommunityStore() *CommunityStore {
	return &CommunityStore{insights: make(map[string]domain.TypeInsight)}
}

// AddTrend records a trend observation.
func (s *CommunityStore) AddTrend(t domain.TrendRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trends = append(s.trends, t)
}

// SetInsight stores community insight for a type.
func (s *CommunityStore) SetInsight(in domain.TypeInsight) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insights[strings.ToUpper(in.MBTIType)] = in
}

// AddContent adds a content library item.
func (s *CommunityStore) AddContent(item domain.ContentItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content = append(s.content, item)
}

func (s *CommunityStore) Trends(ctx context.Context, q ports.TrendQuery) ([]domain.TrendRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.TrendRecord
	for _, t := range s.trends {
		if t.ObservedAt.Before(q.Since) {
			continue
		}
		if q.MBTIType != "" && t.MBTIType != "" && !strings.EqualFold(t.MBTIType, q.MBTIType) {
			continue
		}
		if len(q.Domains) > 0 && t.Domain != "" && !containsFold(q.Domains, t.Domain) {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Mentions > out[j].Mentions })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *CommunityStore) TypeInsight(ctx context.Context, mbtiType string) (*domain.TypeInsight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	in, ok := s.insights[strings.ToUpper(mbtiType)]
	if !ok {
		return nil, domain.ErrNotFound("no community insight for " + mbtiType)
	}
	return &in, nil
}

func (s *CommunityStore) SearchContent(ctx context.Context, q ports.ContentQuery) ([]domain.ContentItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	perKind := make(map[domain.ContentKind]int)
	var out []domain.ContentItem
	for _, item := range s.content {
		if len(q.Kinds) > 0 && !containsKind(q.Kinds, item.Kind) {
			continue
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

func containsKind(kinds []domain.ContentKind, k domain.ContentKind) bool {
	for _, v := range kinds {
		if v == k {
			return true
		}
	}
	return false
}
