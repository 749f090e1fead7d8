package session

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	session   Session
	expiresAt time.Time
}

// MemoryStore keeps sessions in process. A zero ttl never expires.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return &MemoryStore{ttl: ttl, entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Load(_ context.Context, orgID string, userID string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.live(key(orgID, userID))
	if !ok {
		return nil, ErrSessionNotFound
	}
	dup := entry.session
	dup.Workspace = entry.session.Workspace.Clone()
	return &dup, nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, next *Session, prevVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(next.OrgID, next.UserID)
	var stored int64
	if entry, ok := s.live(k); ok {
		stored = entry.session.Version
	}
	if stored != prevVersion {
		return ErrSessionConflict
	}

	next.Version = prevVersion + 1
	saved := *next
	saved.Workspace = next.Workspace.Clone()
	entry := memoryEntry{session: saved}
	if s.ttl > 0 {
		entry.expiresAt = time.Now().Add(s.ttl)
	}
	s.entries[k] = entry
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, orgID string, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key(orgID, userID))
	return nil
}

// live must be called with mu held.
func (s *MemoryStore) live(k string) (memoryEntry, bool) {
	entry, ok := s.entries[k]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		delete(s.entries, k)
		return memoryEntry{}, false
	}
	return entry, true
}
