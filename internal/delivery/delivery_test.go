package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/relayclaw/internal/bus"
)

type scriptedPoster struct {
	errs  []error
	calls int
}

func (p *scriptedPoster) PostReply(_ context.Context, _ bus.OutboundMessage) (bus.MessageID, error) {
	p.calls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return 0, err
		}
	}
	return 9000 + bus.MessageID(p.calls), nil
}

type countingTyper struct{ calls int }

func (t *countingTyper) Typing(context.Context, bus.Scope) error {
	t.calls++
	return errors.New("typing not allowed")
}

func newTestClient(p *scriptedPoster, cfg Config) (*Client, *[]time.Duration) {
	c := New(p, nil, cfg)
	var slept []time.Duration
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return c, &slept
}

func TestDeliverHonorsRetryAfter(t *testing.T) {
	p := &scriptedPoster{errs: []error{&RateLimitedError{RetryAfter: 5 * time.Second}}}
	c, slept := newTestClient(p, Config{})

	id, err := c.Deliver(context.Background(), bus.OutboundMessage{Scope: "c1", Content: "hi", ReplyTo: 1006})
	require.NoError(t, err)
	require.Equal(t, bus.MessageID(9002), id)
	require.Equal(t, 2, p.calls, "exactly one retry of the same reply")
	require.Equal(t, []time.Duration{5 * time.Second}, *slept)
}

func TestDeliverAbandons(t *testing.T) {
	rl := &RateLimitedError{RetryAfter: time.Second}

	tests := []struct {
		name      string
		errs      []error
		cfg       Config
		wantCalls int
	}{
		{"non-retryable error", []error{errors.New("403 missing access")}, Config{}, 1},
		{"rate limits exhaust attempts", []error{rl, rl, rl}, Config{MaxAttempts: 3}, 3},
		{"retry-after too long", []error{&RateLimitedError{RetryAfter: time.Hour}}, Config{MaxRetryAfter: time.Minute}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &scriptedPoster{errs: tt.errs}
			c, _ := newTestClient(p, tt.cfg)

			_, err := c.Deliver(context.Background(), bus.OutboundMessage{Scope: "c1", Content: "hi", ReplyTo: 1})
			require.ErrorIs(t, err, ErrAbandoned)
			require.Equal(t, tt.wantCalls, p.calls)
		})
	}
}

func TestDeliverTypingIsBestEffort(t *testing.T) {
	p := &scriptedPoster{}
	typer := &countingTyper{}
	c := New(p, typer, Config{Typing: true})

	_, err := c.Deliver(context.Background(), bus.OutboundMessage{Scope: "c1", Content: "hi", ReplyTo: 1})
	require.NoError(t, err)
	require.Equal(t, 1, typer.calls)
}

func TestRateLimitedErrorUnwraps(t *testing.T) {
	inner := errors.New("429")
	err := error(&RateLimitedError{RetryAfter: time.Second, Err: inner})
	require.ErrorIs(t, err, inner)

	var rl *RateLimitedError
	require.ErrorAs(t, err, &rl)
	require.Equal(t, time.Second, rl.RetryAfter)
}
