package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nextlevelbuilder/relayclaw/internal/bus"
	"github.com/nextlevelbuilder/relayclaw/internal/dispatch"
	"github.com/nextlevelbuilder/relayclaw/internal/providers"
)

// Generator produces a reply for a trigger. *dispatch.Dispatcher satisfies it.
type Generator interface {
	Respond(ctx context.Context, trigger bus.InboundMessage) (*dispatch.Result, error)
}

// ResponderConfig configures the stateless side.
type ResponderConfig struct {
	Token       string
	CallbackURL string // used when a request carries none
	Workers     int    // concurrent generations (default 4)
	QueueSize   int    // pending jobs before Accept reports busy (default 64)
	Callback    providers.RetryConfig
}

// Responder accepts forwarded messages and answers them asynchronously.
type Responder struct {
	cfg    ResponderConfig
	gen    Generator
	client *http.Client

	jobs chan ForwardRequest
	seen *bus.DedupeCache

	startOnce sync.Once
	wg        sync.WaitGroup
}

func NewResponder(gen Generator, cfg ResponderConfig) *Responder {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.Callback.Attempts <= 0 {
		cfg.Callback = providers.DefaultRetryConfig()
	}
	return &Responder{
		cfg:    cfg,
		gen:    gen,
		client: &http.Client{Timeout: 10 * time.Second},
		jobs:   make(chan ForwardRequest, cfg.QueueSize),
		seen:   bus.NewDedupeCache(time.Hour, 10000),
	}
}

// Start launches the worker pool. Workers exit when ctx is done.
func (r *Responder) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		for range r.cfg.Workers {
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.work(ctx)
			}()
		}
	})
}

// Wait blocks until all workers have exited.
func (r *Responder) Wait() { r.wg.Wait() }

// Accept queues req without blocking. Each correlation id is accepted once.
func (r *Responder) Accept(req ForwardRequest) error {
	if req.CallbackURL == "" {
		req.CallbackURL = r.cfg.CallbackURL
	}
	if req.CallbackURL == "" {
		return errors.New("no callback url")
	}
	if r.seen.Seen(req.CorrelationID) {
		return fmt.Errorf("%w: %s", ErrDuplicate, req.CorrelationID)
	}
	select {
	case r.jobs <- req:
		return nil
	default:
		// Not queued: let the connector's retry through.
		r.seen.Forget(req.CorrelationID)
		return ErrBusy
	}
}

func (r *Responder) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-r.jobs:
			r.handle(ctx, req)
		}
	}
}

func (r *Responder) handle(ctx context.Context, req ForwardRequest) {
	resp := ResponsePayload{CorrelationID: req.CorrelationID}

	trigger, err := req.Trigger()
	if err != nil {
		slog.Warn("relay: bad forward", "correlation_id", req.CorrelationID, "error", err)
	} else if res, err := r.gen.Respond(ctx, trigger); err != nil {
		slog.Warn("relay: generation failed", "message_id", req.MessageID, "error", err)
	} else {
		text := res.Text
		resp.ResponseText = &text
		resp.Model = res.Model
	}

	_, err = providers.RetryDo(ctx, r.cfg.Callback, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, postJSON(ctx, r.client, req.CallbackURL, r.cfg.Token, resp)
	}, func(attempt int, err error) {
		slog.Debug("relay: callback attempt failed", "attempt", attempt, "error", err)
	})
	if err != nil {
		slog.Error("relay: callback failed", "correlation_id", req.CorrelationID, "error", err)
		return
	}
	slog.Info("relay: responded", "message_id", req.MessageID, "correlation_id", req.CorrelationID, "model", resp.Model)
}
