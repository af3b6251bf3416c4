package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/coachllm/internal/core/domain"
	"github.com/tjfontaine/coachllm/internal/core/ports"
)

// UserStore is an in-memory implementation of ports.JournalStore and
// ports.ProfileStore.
type UserStore struct {
	mu       sync.RWMutex
	entries  map[string][]domain.JournalEntry
	profiles map[string]*domain.UserProfile
}

var (
	_ ports.JournalStore = (*UserStore)(nil)
	_ ports.ProfileStore = (*UserStore)(nil)
)

// NewUserStore creates an empty user store.
func NewUserStore() *UserStore {
	return &UserStore{
		entries:  make(map[string][]domain.JournalEntry),
		profiles: make(map[string]*domain.UserProfile),
	}
}

func (s *UserStore) AddEntry(ctx context.Context, entry *domain.JournalEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	s.entries[entry.UserID] = append(s.entries[entry.UserID], *entry)
	return nil
}

func (s *UserStore) ListEntries(ctx context.Context, userID string, since time.Time) ([]domain.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.JournalEntry
	for _, e := range s.entries[userID] {
		if !e.CreatedAt.Before(since) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *UserStore) GetEntries(ctx context.Context, userID string, ids []string) ([]domain.JournalEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := make(map[string]domain.JournalEntry, len(s.entries[userID]))
	for _, e := range s.entries[userID] {
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

func (s *UserStore) GetProfile(ctx context.Context, userID string) (*domain.UserProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.profiles[userID]
	if !ok {
		return nil, domain.ErrNotFound(fmt.Sprintf("profile for user %s not found", userID))
	}
	c := *p
	return &c, nil
}

func (s *UserStore) SaveProfile(ctx context.Context, profile *domain.UserProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := *profile
	s.profiles[profile.UserID] = &c
	return nil
}
