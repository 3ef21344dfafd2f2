// Package delivery posts generated replies to the platform, honoring its
// rate-limit backoff signal.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/relayclaw/internal/bus"
	"github.com/nextlevelbuilder/relayclaw/internal/channels"
	"github.com/nextlevelbuilder/relayclaw/internal/metrics"
)

// ErrAbandoned is returned when a reply could not be delivered: a
// non-retryable platform error, or rate limits outlasting the attempt budget.
var ErrAbandoned = errors.New("delivery abandoned")

// RateLimitedError is returned by a Poster when the platform asks the caller
// to back off before retrying.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s: %v", e.RetryAfter, e.Err)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// Config tunes the delivery client.
type Config struct {
	MaxAttempts   int           // total post attempts per reply (default 3)
	MaxRetryAfter time.Duration // longer backoff requests abandon immediately (default 30s)
	RatePerSecond float64       // outbound pacing across all scopes (0 = unlimited)
	Burst         int
	Typing        bool // show a typing indicator before posting
}

// Client delivers replies. Safe for concurrent use.
type Client struct {
	poster  channels.Poster
	typer   channels.Typer
	cfg     Config
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
}

// New creates a delivery client. typer may be nil.
func New(poster channels.Poster, typer channels.Typer, cfg Config) *Client {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.MaxRetryAfter <= 0 {
		cfg.MaxRetryAfter = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		poster:  poster,
		typer:   typer,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, burst),
		sleep:   sleepCtx,
	}
}

// Deliver posts msg, retrying only this single reply on rate limits.
// It returns the posted message ID once the platform confirmed the post.
func (c *Client) Deliver(ctx context.Context, msg bus.OutboundMessage) (bus.MessageID, error) {
	if c.cfg.Typing && c.typer != nil {
		if err := c.typer.Typing(ctx, msg.Scope); err != nil {
			slog.Debug("delivery: typing indicator failed", "scope", msg.Scope, "error", err)
		}
	}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrAbandoned, err)
		}

		id, err := c.poster.PostReply(ctx, msg)
		if err == nil {
			return id, nil
		}
		lastErr = err

		var rl *RateLimitedError
		if !errors.As(err, &rl) {
			metrics.DeliveryAbandoned.Inc()
			return 0, fmt.Errorf("%w: %v", ErrAbandoned, err)
		}
		metrics.DeliveryRateLimited.Inc()

		if attempt == c.cfg.MaxAttempts {
			break
		}
		if rl.RetryAfter > c.cfg.MaxRetryAfter {
			slog.Warn("delivery: retry-after exceeds limit",
				"scope", msg.Scope, "reply_to", msg.ReplyTo, "retry_after", rl.RetryAfter)
			break
		}

		slog.Info("delivery: rate limited, waiting",
			"scope", msg.Scope, "reply_to", msg.ReplyTo, "retry_after", rl.RetryAfter, "attempt", attempt)
		if err := c.sleep(ctx, rl.RetryAfter); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrAbandoned, err)
		}
	}

	metrics.DeliveryAbandoned.Inc()
	return 0, fmt.Errorf("%w: %v", ErrAbandoned, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
