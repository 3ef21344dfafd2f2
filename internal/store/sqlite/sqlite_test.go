package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/relayclaw/internal/bus"
	"github.com/nextlevelbuilder/relayclaw/internal/store"
	"github.com/nextlevelbuilder/relayclaw/internal/store/storetest"
)

func TestSQLiteStore(t *testing.T) {
	stores, err := NewStores(context.Background(), store.StoreConfig{
		SQLitePath:   filepath.Join(t.TempDir(), "state.db"),
		HistoryLimit: 10,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = stores.Close() })

	storetest.Run(t, stores)
}

func TestSQLiteStore_HistoryPruned(t *testing.T) {
	ctx := context.Background()
	s, err := Open(ctx, filepath.Join(t.TempDir(), "state.db"), 3)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	for i := 1; i <= 6; i++ {
		require.NoError(t, s.AppendTurn(ctx, "c1", bus.Turn{Role: bus.RoleUser, Content: "x"}))
	}

	var n int
	require.NoError(t, s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM history WHERE scope = 'c1'`).Scan(&n))
	require.Equal(t, 3, n)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	s, err := Open(ctx, path, 0)
	require.NoError(t, err)
	_, err = s.AdvanceCursor(ctx, "c1", 1009)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	got, err := s.GetCursor(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, bus.MessageID(1009), got)
}
