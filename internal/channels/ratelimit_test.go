package channels

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWebhookRateLimiter(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewWebhookRateLimiter(time.Minute, 2)
	rl.now = func() time.Time { return now }

	require.True(t, rl.Allow("a"))
	require.True(t, rl.Allow("a"))
	require.False(t, rl.Allow("a"))
	require.True(t, rl.Allow("b"), "keys are independent")

	now = now.Add(time.Minute)
	require.True(t, rl.Allow("a"), "window resets")
}

func TestWebhookRateLimiterBoundsKeys(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rl := NewWebhookRateLimiter(time.Hour, 5)
	rl.now = func() time.Time { return now }

	for i := 0; i < maxTrackedKeys+10; i++ {
		now = now.Add(time.Millisecond)
		rl.Allow(time.Duration(i).String())
	}
	require.LessOrEqual(t, len(rl.entries), maxTrackedKeys)
}
