// Package contextstore provides the TTL-bounded cache of conversational
// context: a rolling summary, the last assembled raw context snapshot, and
// named memory slots, all keyed by conversation id.
//
// The cache is advisory, never authoritative. Absence of an entry is always
// a valid state and callers must be able to rebuild context purely from the
// message history. Operations on the same conversation may race; last write
// wins.
package contextstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotCached is returned when an entry is absent or expired. Callers treat
// it as a cache miss, never as a failure.
var ErrNotCached = errors.New("contextstore: entry not cached")

// Default TTLs. Summary and snapshot entries are rebuilt cheaply each turn;
// memory slots hold cross-turn state (e.g. the user's stated name) and live
// longer.
const (
	SummaryTTL  = 24 * time.Hour
	SnapshotTTL = 24 * time.Hour
	MemoryTTL   = 30 * 24 * time.Hour
)

// Store is the cache contract consumed by the engine. Implementations must
// be safe for concurrent use across conversations.
type Store interface {
	// Summary returns the cached rolling summary, or ErrNotCached.
	Summary(ctx context.Context, conversationID string) (string, error)
	// SetSummary overwrites the rolling summary with SummaryTTL.
	SetSummary(ctx context.Context, conversationID, summary string) error
	// SetSnapshot stores the last assembled raw context with SnapshotTTL.
	SetSnapshot(ctx context.Context, conversationID, snapshot string) error
	// Memory returns a named memory slot, or ErrNotCached.
	Memory(ctx context.Context, conversationID, key string) (string, error)
	// SetMemory writes a named memory slot with its own MemoryTTL.
	SetMemory(ctx context.Context, conversationID, key, value string) error
	// Clear removes the summary, snapshot, and all memory slots for the
	// conversation.
	Clear(ctx context.Context, conversationID string) error
}

func summaryKey(conversationID string) string {
	return "conversation:summary:" + conversationID
}

func contextKey(conversationID string) string {
	return "conversation:context:" + conversationID
}

func memoryKey(conversationID, key string) string {
	return contextKey(conversationID) + ":memory:" + key
}
