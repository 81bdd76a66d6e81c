package store

import (
	"context"
	"sync"
)

// MemoryStore provides an in-memory implementation of SessionStore.
//
// This implementation is suitable for single-instance deployments where
// session state doesn't need to be shared across processes. For distributed
// deployments (load-balanced clusters, etc.), implement SessionStore with a
// shared backend like Redis.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionRecord
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*SessionRecord),
	}
}

// Get returns a deep copy of the stored record, or nil when unknown.
func (s *MemoryStore) Get(ctx context.Context, sessionID string) (*SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return record.Clone(), nil
}

// Put stores a deep copy of the record so later caller mutations don't leak
// into the store.
func (s *MemoryStore) Put(ctx context.Context, sessionID string, record *SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = record.Clone()
	return nil
}

// Delete removes a session.
func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// Len reports the number of stored sessions.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Ensure MemoryStore implements SessionStore
var _ SessionStore = (*MemoryStore)(nil)
