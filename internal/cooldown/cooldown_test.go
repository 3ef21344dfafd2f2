package cooldown

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/relayclaw/internal/store/memory"
)

func TestAllow(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	min := 60 * time.Second

	tests := []struct {
		name string
		last time.Time
		now  time.Time
		want bool
	}{
		{"never responded", time.Time{}, t0, true},
		{"inside window", t0, t0.Add(30 * time.Second), false},
		{"just before window ends", t0, t0.Add(min - time.Millisecond), false},
		{"exactly at interval", t0, t0.Add(min), true},
		{"after window", t0, t0.Add(65 * time.Second), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Allow(tt.last, tt.now, min))
		})
	}
}

func TestRemaining(t *testing.T) {
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.Equal(t, 30*time.Second, Remaining(t0, t0.Add(30*time.Second), time.Minute))
	require.Zero(t, Remaining(t0, t0.Add(2*time.Minute), time.Minute))
}

func TestBuildKey(t *testing.T) {
	tests := []struct {
		name   string
		ks     KeyScope
		author string
		want   string
	}{
		{"channel", ScopeChannel, "u1", "discord:123"},
		{"channel author", ScopeChannelAuthor, "u1", "discord:123:author:u1"},
		{"channel author without author", ScopeChannelAuthor, "", "discord:123"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key := BuildKey(tt.ks, "discord", "123", tt.author)
			require.Equal(t, tt.want, key)

			platform, scope, author := ParseKey(key)
			require.Equal(t, "discord", platform)
			require.Equal(t, "123", string(scope))
			if tt.ks == ScopeChannelAuthor {
				require.Equal(t, tt.author, author)
			} else {
				require.Empty(t, author)
			}
		})
	}
}

func TestTrackerRecordsOnlyForward(t *testing.T) {
	ctx := context.Background()
	tr := NewTracker(memory.New(10), time.Minute)
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	ok, _, err := tr.Check(ctx, "discord:1", t0)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, tr.Record(ctx, "discord:1", t0))

	ok, remaining, err := tr.Check(ctx, "discord:1", t0.Add(30*time.Second))
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 30*time.Second, remaining)

	ok, _, err = tr.Check(ctx, "discord:1", t0.Add(65*time.Second))
	require.NoError(t, err)
	require.True(t, ok)

	tr.SetInterval(2 * time.Minute)
	ok, _, err = tr.Check(ctx, "discord:1", t0.Add(65*time.Second))
	require.NoError(t, err)
	require.False(t, ok)
}
