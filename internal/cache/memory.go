// Package cache stores orchestration results so that a later request can be
// answered when every inference branch fails.
package cache

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/core/ports"
)

type entry struct {
	result    *domain.OrchestrationResult
	expiresAt time.Time
}

// Memory is an in-process LRU cache. Expired entries are dropped on read.
type Memory struct {
	lru *lru.Cache[string, entry]
	now func() time.Time
}

var _ ports.ResponseCache = (*Memory)(nil)

// NewMemory creates a cache holding up to size results.
func NewMemory(size int) (*Memory, error) {
	c, err := lru.New[string, entry](size)
	if err != nil {
		return nil, fmt.Errorf("create lru cache: %w", err)
	}
	return &Memory{lru: c, now: time.Now}, nil
}

func (m *Memory) Get(ctx context.Context, key string) (*domain.OrchestrationResult, bool, error) {
	e, ok := m.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		m.lru.Remove(key)
		return nil, false, nil
	}
	return clone(e.result), true, nil
}

// Set stores result; a zero ttl never expires.
func (m *Memory) Set(ctx context.Context, key string, result *domain.OrchestrationResult, ttl time.Duration) error {
	e := entry{result: clone(result)}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.lru.Add(key, e)
	return nil
}

// Len reports the number of cached results, expired or not.
func (m *Memory) Len() int { return m.lru.Len() }

func clone(r *domain.OrchestrationResult) *domain.OrchestrationResult {
	out := *r
	out.Responses = append([]domain.IndividualResponse(nil), r.Responses...)
	return &out
}
