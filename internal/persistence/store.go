package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/devrev/pairgrid/internal/model"
)

// Store is an external store adapter. Apply must be idempotent: replaying
// a modification leaves the store in the same state.
type Store interface {
	// Apply writes one modification
	Apply(ctx context.Context, mod *model.Modification) error
	// Load returns the stored entry for key, or nil when absent or expired
	Load(ctx context.Context, key string) (*model.CacheEntry, error)
	// Close releases the store resources
	Close() error
}

// MemoryStore is an in-process Store, used for tests and embedded nodes
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*model.CacheEntry
	applied int
	clock   func() time.Time
}

// NewMemoryStore creates an empty memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*model.CacheEntry), clock: time.Now}
}

// Apply implements Store
func (s *MemoryStore) Apply(ctx context.Context, mod *model.Modification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied++

	switch mod.Type {
	case model.ModificationStore:
		if cur, ok := s.entries[mod.Key]; ok && cur.Version() > mod.Entry.Version() {
			return nil
		}
		s.entries[mod.Key] = mod.Entry.Clone()
	case model.ModificationRemove:
		delete(s.entries, mod.Key)
	case model.ModificationClear:
		s.entries = make(map[string]*model.CacheEntry)
	case model.ModificationPurgeExpired:
		now := s.clock()
		for k, e := range s.entries {
			if e.IsExpired(now) {
				delete(s.entries, k)
			}
		}
	}
	return nil
}

// Load implements Store
func (s *MemoryStore) Load(ctx context.Context, key string) (*model.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || e.IsExpired(s.clock()) {
		return nil, nil
	}
	return e.Clone(), nil
}

// Close implements Store
func (s *MemoryStore) Close() error {
	return nil
}

// Len returns the number of stored entries
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Applied returns how many modifications were applied
func (s *MemoryStore) Applied() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}
