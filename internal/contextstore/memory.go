package contextstore

import (
	"context"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore is an in-process Store for local runs and tests. Expiry is
// checked lazily on read; there is no background sweeper.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry

	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (s *MemoryStore) get(key string) (string, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || s.now().After(e.expiresAt) {
		return "", ErrNotCached
	}
	return e.value, nil
}

func (s *MemoryStore) set(key, value string, ttl time.Duration) {
	s.mu.Lock()
	s.entries[key] = memoryEntry{value: value, expiresAt: s.now().Add(ttl)}
	s.mu.Unlock()
}

func (s *MemoryStore) Summary(_ context.Context, conversationID string) (string, error) {
	return s.get(summaryKey(conversationID))
}

func (s *MemoryStore) SetSummary(_ context.Context, conversationID, summary string) error {
	s.set(summaryKey(conversationID), summary, SummaryTTL)
	return nil
}

func (s *MemoryStore) SetSnapshot(_ context.Context, conversationID, snapshot string) error {
	s.set(contextKey(conversationID), snapshot, SnapshotTTL)
	return nil
}

func (s *MemoryStore) Memory(_ context.Context, conversationID, key string) (string, error) {
	return s.get(memoryKey(conversationID, key))
}

func (s *MemoryStore) SetMemory(_ context.Context, conversationID, key, value string) error {
	s.set(memoryKey(conversationID, key), value, MemoryTTL)
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, summaryKey(conversationID))
	delete(s.entries, contextKey(conversationID))
	// The delimiter keeps ids that extend this one (conv-1 vs conv-10) out
	// of the scan.
	memPrefix := contextKey(conversationID) + ":memory:"
	for k := range s.entries {
		if strings.HasPrefix(k, memPrefix) {
			delete(s.entries, k)
		}
	}
	return nil
}
