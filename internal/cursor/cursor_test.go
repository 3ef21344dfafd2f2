package cursor

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/relayclaw/internal/bus"
	"github.com/nextlevelbuilder/relayclaw/internal/store"
	"github.com/nextlevelbuilder/relayclaw/internal/store/memory"
)

type failingStore struct {
	store.CursorStore
	failWrites bool
}

func (f *failingStore) AdvanceCursor(ctx context.Context, scope bus.Scope, id bus.MessageID) (bool, error) {
	if f.failWrites {
		return false, errors.New("disk full")
	}
	return f.CursorStore.AdvanceCursor(ctx, scope, id)
}

func TestCommitIsMonotonic(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(memory.New(10))

	_, ok, err := tr.Get(ctx, "c1")
	require.NoError(t, err)
	require.False(t, ok)

	for _, id := range []bus.MessageID{1005, 1003, 1009, 1007} {
		require.NoError(t, tr.Commit(ctx, "c1", id))
	}

	got, ok, err := tr.Get(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, bus.MessageID(1009), got)
}

func TestFailedWriteDoesNotAdvance(t *testing.T) {
	ctx := context.Background()
	fs := &failingStore{CursorStore: memory.New(10)}
	tr := NewTracker(fs)

	require.NoError(t, tr.Commit(ctx, "c1", 1005))

	fs.failWrites = true
	err := tr.Commit(ctx, "c1", 1009)
	require.ErrorIs(t, err, ErrPersistence)

	got, _, err := tr.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, bus.MessageID(1005), got)
}

func TestCommitAdoptsConcurrentProgress(t *testing.T) {
	ctx := context.Background()
	shared := memory.New(10)
	a := NewTracker(shared)
	b := NewTracker(shared)

	require.NoError(t, a.Commit(ctx, "c1", 1005))
	_, _, err := b.Get(ctx, "c1")
	require.NoError(t, err)

	require.NoError(t, a.Commit(ctx, "c1", 1020))
	// b still caches 1005 and tries a smaller advance than the store holds.
	require.NoError(t, b.Commit(ctx, "c1", 1010))

	got, _, err := b.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, bus.MessageID(1020), got)
}

func TestGetReadsThroughToSharedStore(t *testing.T) {
	ctx := context.Background()
	shared := memory.New(10)
	a := NewTracker(shared)
	b := NewTracker(shared)

	require.NoError(t, a.Commit(ctx, "c1", 100))
	got, _, err := b.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, bus.MessageID(100), got)

	require.NoError(t, a.Commit(ctx, "c1", 101))
	got, _, err = b.Get(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, bus.MessageID(101), got, "a commit by another tracker is visible without a restart")
}
