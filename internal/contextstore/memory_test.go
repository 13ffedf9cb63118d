package contextstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newClockedStore(t *testing.T) (*MemoryStore, *time.Time) {
	t.Helper()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	store.now = func() time.Time { return now }
	return store, &now
}

func TestMemoryStore_SummaryRoundTrip(t *testing.T) {
	store, _ := newClockedStore(t)
	ctx := context.Background()

	_, err := store.Summary(ctx, "conv-1")
	require.ErrorIs(t, err, ErrNotCached)

	require.NoError(t, store.SetSummary(ctx, "conv-1", "They talked about Go."))
	got, err := store.Summary(ctx, "conv-1")
	require.NoError(t, err)
	require.Equal(t, "They talked about Go.", got)
}

func TestMemoryStore_SummaryExpires(t *testing.T) {
	store, now := newClockedStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetSummary(ctx, "conv-1", "summary"))

	*now = now.Add(SummaryTTL - time.Second)
	_, err := store.Summary(ctx, "conv-1")
	require.NoError(t, err)

	*now = now.Add(2 * time.Second)
	_, err = store.Summary(ctx, "conv-1")
	require.ErrorIs(t, err, ErrNotCached)
}

func TestMemoryStore_MemorySlotsOutliveSummary(t *testing.T) {
	store, now := newClockedStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetSummary(ctx, "conv-1", "summary"))
	require.NoError(t, store.SetMemory(ctx, "conv-1", "user_name", "Hiro"))

	*now = now.Add(48 * time.Hour)
	_, err := store.Summary(ctx, "conv-1")
	require.ErrorIs(t, err, ErrNotCached)

	got, err := store.Memory(ctx, "conv-1", "user_name")
	require.NoError(t, err)
	require.Equal(t, "Hiro", got)

	*now = now.Add(MemoryTTL)
	_, err = store.Memory(ctx, "conv-1", "user_name")
	require.ErrorIs(t, err, ErrNotCached)
}

func TestMemoryStore_SetOverwrites(t *testing.T) {
	store, _ := newClockedStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetMemory(ctx, "conv-1", "mood", "curious"))
	require.NoError(t, store.SetMemory(ctx, "conv-1", "mood", "tired"))

	got, err := store.Memory(ctx, "conv-1", "mood")
	require.NoError(t, err)
	require.Equal(t, "tired", got)
}

func TestMemoryStore_ClearRemovesEverything(t *testing.T) {
	store, _ := newClockedStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetSummary(ctx, "conv-1", "summary"))
	require.NoError(t, store.SetSnapshot(ctx, "conv-1", "User: hi\n"))
	require.NoError(t, store.SetMemory(ctx, "conv-1", "user_name", "Hiro"))
	require.NoError(t, store.SetMemory(ctx, "conv-1", "mood", "curious"))
	require.NoError(t, store.SetSummary(ctx, "conv-2", "unrelated"))

	require.NoError(t, store.Clear(ctx, "conv-1"))

	_, err := store.Summary(ctx, "conv-1")
	require.ErrorIs(t, err, ErrNotCached)
	_, err = store.Memory(ctx, "conv-1", "user_name")
	require.ErrorIs(t, err, ErrNotCached)
	_, err = store.Memory(ctx, "conv-1", "mood")
	require.ErrorIs(t, err, ErrNotCached)

	got, err := store.Summary(ctx, "conv-2")
	require.NoError(t, err)
	require.Equal(t, "unrelated", got)
}

func TestMemoryStore_ClearRespectsIDBoundary(t *testing.T) {
	store, _ := newClockedStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetSnapshot(ctx, "conv-1", "User: hi\n"))
	require.NoError(t, store.SetMemory(ctx, "conv-1", "mood", "curious"))
	require.NoError(t, store.SetSnapshot(ctx, "conv-10", "User: hello\n"))
	require.NoError(t, store.SetMemory(ctx, "conv-10", "mood", "tired"))

	// conv-10's keys start with conv-1's but belong to another conversation.
	require.NoError(t, store.Clear(ctx, "conv-1"))

	_, err := store.Memory(ctx, "conv-1", "mood")
	require.ErrorIs(t, err, ErrNotCached)

	got, err := store.Memory(ctx, "conv-10", "mood")
	require.NoError(t, err)
	require.Equal(t, "tired", got)
	snapshot, err := store.get(contextKey("conv-10"))
	require.NoError(t, err)
	require.Equal(t, "User: hello\n", snapshot)
}

func TestMemoryStore_ConversationsAreIsolated(t *testing.T) {
	store, _ := newClockedStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetMemory(ctx, "conv-1", "user_name", "Hiro"))

	_, err := store.Memory(ctx, "conv-2", "user_name")
	require.ErrorIs(t, err, ErrNotCached)
}
