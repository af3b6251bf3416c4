package memory

import (
	"context"
	"sync"

	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/core/ports"
)

// PolicyStore is an in-memory implementation of ports.PolicyStore.
type PolicyStore struct {
	mu     sync.RWMutex
	policy *domain.RoutingPolicy
}

var _ ports.PolicyStore = (*PolicyStore)(nil)

// NewPolicyStore creates an empty policy store.
func NewPolicyStore() *PolicyStore {
	return &PolicyStore{}
}

func (s *PolicyStore) LoadRoutingPolicy(ctx context.Context) (*domain.RoutingPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.policy == nil {
		return nil, nil
	}
	p := *s.policy
	return &p, nil
}

func (s *PolicyStore) SaveRoutingPolicy(ctx context.Context, policy domain.RoutingPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.policy = &policy
	return nil
}
