package calllog

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used in tests
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry)}
}

func (s *MemoryStore) Create(ctx context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *entry
	s.entries[entry.CallID] = &copied
	return nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, callID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[callID]
	if !ok {
		return ErrNotFound
	}
	entry.Status = status
	return nil
}

func (s *MemoryStore) Finalize(ctx context.Context, callID, status string, endedAt time.Time, transcript []TranscriptLine, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[callID]
	if !ok {
		return ErrNotFound
	}
	entry.Status = status
	entry.EndedAt = endedAt
	entry.Transcript = append([]TranscriptLine(nil), transcript...)
	entry.Summary = summary
	return nil
}

func (s *MemoryStore) GetByCallID(ctx context.Context, callID string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[callID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *entry
	return &copied, nil
}

func (s *MemoryStore) QueryByNumber(ctx context.Context, number string, limit int64) ([]*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []*Entry
	for _, entry := range s.entries {
		if entry.CallerNumber == number {
			copied := *entry
			entries = append(entries, &copied)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].StartedAt.After(entries[j].StartedAt)
	})
	if limit > 0 && int64(len(entries)) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
