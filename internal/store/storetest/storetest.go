// Package storetest holds behaviour tests shared by every store backend.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/relayclaw/internal/bus"
	"github.com/nextlevelbuilder/relayclaw/internal/store"
)

// Run exercises s against the store contracts. Scopes and keys are prefixed
// with a per-run nonce so shared external databases can be reused.
func Run(t *testing.T, s *store.Stores) {
	t.Helper()
	nonce := fmt.Sprintf("t%d", time.Now().UnixNano())

	t.Run("cursor starts empty", func(t *testing.T) {
		_, err := s.Cursors.GetCursor(context.Background(), bus.Scope(nonce+"-empty"))
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("cursor only moves forward", func(t *testing.T) {
		ctx := context.Background()
		scope := bus.Scope(nonce + "-fwd")

		ok, err := s.Cursors.AdvanceCursor(ctx, scope, 1005)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.Cursors.AdvanceCursor(ctx, scope, 1003)
		require.NoError(t, err)
		require.False(t, ok)

		ok, err = s.Cursors.AdvanceCursor(ctx, scope, 1005)
		require.NoError(t, err)
		require.False(t, ok)

		ok, err = s.Cursors.AdvanceCursor(ctx, scope, 1009)
		require.NoError(t, err)
		require.True(t, ok)

		got, err := s.Cursors.GetCursor(ctx, scope)
		require.NoError(t, err)
		require.Equal(t, bus.MessageID(1009), got)
	})

	t.Run("concurrent advances keep the maximum", func(t *testing.T) {
		ctx := context.Background()
		scope := bus.Scope(nonce + "-race")

		var wg sync.WaitGroup
		for i := 1; i <= 20; i++ {
			wg.Add(1)
			go func(id bus.MessageID) {
				defer wg.Done()
				_, err := s.Cursors.AdvanceCursor(ctx, scope, id)
				assert.NoError(t, err)
			}(bus.MessageID(i * 10))
		}
		wg.Wait()

		got, err := s.Cursors.GetCursor(ctx, scope)
		require.NoError(t, err)
		require.Equal(t, bus.MessageID(200), got)
	})

	t.Run("cooldown only moves forward", func(t *testing.T) {
		ctx := context.Background()
		key := nonce + "-cd"
		t0 := time.UnixMilli(1_700_000_000_000)

		_, err := s.Cooldowns.GetLastResponse(ctx, key)
		require.ErrorIs(t, err, store.ErrNotFound)

		ok, err := s.Cooldowns.RecordResponse(ctx, key, t0)
		require.NoError(t, err)
		require.True(t, ok)

		ok, err = s.Cooldowns.RecordResponse(ctx, key, t0.Add(-time.Minute))
		require.NoError(t, err)
		require.False(t, ok)

		got, err := s.Cooldowns.GetLastResponse(ctx, key)
		require.NoError(t, err)
		require.True(t, got.Equal(t0), "got %v want %v", got, t0)
	})

	t.Run("history keeps newest turns oldest first", func(t *testing.T) {
		ctx := context.Background()
		scope := bus.Scope(nonce + "-hist")
		for i := 1; i <= 5; i++ {
			require.NoError(t, s.History.AppendTurn(ctx, scope, bus.Turn{
				MessageID: bus.MessageID(i),
				Role:      bus.RoleUser,
				Author:    "alice",
				Content:   fmt.Sprintf("msg %d", i),
				At:        time.UnixMilli(int64(i) * 1000),
			}))
		}

		turns, err := s.History.RecentTurns(ctx, scope, 3)
		require.NoError(t, err)
		require.Len(t, turns, 3)
		require.Equal(t, "msg 3", turns[0].Content)
		require.Equal(t, "msg 5", turns[2].Content)
		require.Equal(t, bus.MessageID(5), turns[2].MessageID)
	})

	t.Run("usage counts per model", func(t *testing.T) {
		ctx := context.Background()
		day := nonce[len(nonce)-8:]
		require.NoError(t, s.Usage.IncrementUsage(ctx, day, "primary"))
		require.NoError(t, s.Usage.IncrementUsage(ctx, day, "primary"))
		require.NoError(t, s.Usage.IncrementUsage(ctx, day, "fallback"))

		got, err := s.Usage.UsageForDay(ctx, day)
		require.NoError(t, err)
		require.Equal(t, int64(2), got["primary"])
		require.Equal(t, int64(1), got["fallback"])
	})

	t.Run("lister reports stored state", func(t *testing.T) {
		ctx := context.Background()
		scope := bus.Scope(nonce + "-list")
		_, err := s.Cursors.AdvanceCursor(ctx, scope, 42)
		require.NoError(t, err)

		cursors, err := s.Lister.ListCursors(ctx)
		require.NoError(t, err)
		require.Equal(t, bus.MessageID(42), cursors[scope])

		cooldowns, err := s.Lister.ListCooldowns(ctx)
		require.NoError(t, err)
		require.Contains(t, cooldowns, nonce+"-cd")
	})
}
