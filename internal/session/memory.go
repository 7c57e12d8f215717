package session

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	session   CallSession
	expiresAt time.Time
}

// MemoryStore is an in-process Store used in tests and single-node
// development runs.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]memoryEntry
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]memoryEntry),
		now:      time.Now,
	}
}

func (s *MemoryStore) Get(ctx context.Context, callID string) (*CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(callID)
}

func (s *MemoryStore) getLocked(callID string) (*CallSession, error) {
	entry, ok := s.sessions[callID]
	if !ok || s.now().After(entry.expiresAt) {
		delete(s.sessions, callID)
		return nil, ErrNotFound
	}
	session := entry.session
	return &session, nil
}

func (s *MemoryStore) Put(ctx context.Context, session *CallSession, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.CallID] = memoryEntry{
		session:   *session,
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, callID string, ttl time.Duration, fn func(*CallSession) error) (*CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, err := s.getLocked(callID)
	if err != nil {
		return nil, err
	}
	if err := fn(session); err != nil {
		return nil, err
	}
	session.LastActivity = s.now()

	s.sessions[callID] = memoryEntry{
		session:   *session,
		expiresAt: s.now().Add(ttl),
	}
	result := *session
	return &result, nil
}

func (s *MemoryStore) Delete(ctx context.Context, callID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, callID)
	return nil
}

func (s *MemoryStore) ListActive(ctx context.Context) ([]*CallSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sessions []*CallSession
	for id, entry := range s.sessions {
		if s.now().After(entry.expiresAt) {
			delete(s.sessions, id)
			continue
		}
		session := entry.session
		sessions = append(sessions, &session)
	}
	return sessions, nil
}
