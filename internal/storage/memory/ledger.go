// Package memory provides in-memory implementations of the storage ports.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/core/ports"
)

// LedgerStore is an in-memory implementation of ports.LedgerStore.
type LedgerStore struct {
	mu          sync.RWMutex
	chains      map[string][]*domain.AuditEvent
	replication map[string]domain.ReplicationState

	// failInsert, when set, makes Insert fail. Used to simulate a full disk.
	failInsert error
}

var _ ports.LedgerStore = (*LedgerStore)(nil)

// NewLedgerStore creates an empty ledger store.
func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		chains:      make(map[string][]*domain.AuditEvent),
		replication: make(map[string]domain.ReplicationState),
	}
}

// FailInserts makes every subsequent Insert return err. Pass nil to restore.
func (s *LedgerStore) FailInserts(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failInsert = err
}

func (s *LedgerStore) Head(ctx context.Context, chainKey string) (*domain.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[chainKey]
	if len(chain) == 0 {
		return nil, nil
	}
	return copyEvent(chain[len(chain)-1]), nil
}

func (s *LedgerStore) Insert(ctx context.Context, event *domain.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failInsert != nil {
		return s.failInsert
	}

	chain := s.chains[event.ChainKey]
	if event.ChainPosition != int64(len(chain)) {
		return fmt.Errorf("chain %s: position %d already taken or out of order", event.ChainKey, event.ChainPosition)
	}
	s.chains[event.ChainKey] = append(chain, copyEvent(event))
	s.replication[event.AuditID] = domain.ReplicationPending
	return nil
}

func (s *LedgerStore) List(ctx context.Context, chainKey string, opts ports.ListOptions) ([]*domain.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[chainKey]
	if opts.FromPosition >= int64(len(chain)) {
		return nil, nil
	}
	chain = chain[opts.FromPosition:]
	if opts.Limit > 0 && len(chain) > opts.Limit {
		chain = chain[:opts.Limit]
	}
	out := make([]*domain.AuditEvent, len(chain))
	for i, e := range chain {
		out[i] = copyEvent(e)
	}
	return out, nil
}

func (s *LedgerStore) Chains(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.chains))
	for k := range s.chains {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *LedgerStore) SetReplicationState(ctx context.Context, auditID string, state domain.ReplicationState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.replication[auditID]; !ok {
		return fmt.Errorf("audit event %s not found", auditID)
	}
	s.replication[auditID] = state
	return nil
}

func (s *LedgerStore) ReplicationState(ctx context.Context, auditID string) (domain.ReplicationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.replication[auditID]
	if !ok {
		return "", fmt.Errorf("audit event %s not found", auditID)
	}
	return state, nil
}

func (s *LedgerStore) Close() error {
	return nil
}

// Tamper replaces a stored event in place, bypassing the append-only
// contract. It exists so verification can be tested.
func (s *LedgerStore) Tamper(chainKey string, position int64, mutate func(*domain.AuditEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if chain := s.chains[chainKey]; position < int64(len(chain)) {
		mutate(chain[position])
	}
}

func copyEvent(e *domain.AuditEvent) *domain.AuditEvent {
	c := *e
	c.ComplianceFlags = append([]string(nil), e.ComplianceFlags...)
	if e.PreviousHash != nil {
		h := *e.PreviousHash
		c.PreviousHash = &h
	}
	return &c
}
