package history

import (
	"context"
	"slices"
	"sync"

	"chunk-player/internal/player"

	"github.com/samber/lo"
)

// MemoryStore is a concurrency-safe in-memory Store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

// Save implements Store.
func (s *MemoryStore) Save(ctx context.Context, p player.Progress) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	e := NewEntry(p)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.VideoID] = e
	if len(s.entries) > MaxEntries {
		for _, old := range s.sortedLocked()[MaxEntries:] {
			delete(s.entries, old.VideoID)
		}
	}
	return e, nil
}

// Get implements Store.
func (s *MemoryStore) Get(ctx context.Context, videoID string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[videoID]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e, nil
}

// List implements Store.
func (s *MemoryStore) List(ctx context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sortedLocked(), nil
}

// Remove implements Store.
func (s *MemoryStore) Remove(ctx context.Context, videoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, videoID)
	return nil
}

// Clear implements Store.
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.entries)
	return nil
}

// sortedLocked returns the entries most recent first. Caller must hold s.mu.
func (s *MemoryStore) sortedLocked() []Entry {
	out := lo.Values(s.entries)
	slices.SortFunc(out, byRecency)
	return out
}
