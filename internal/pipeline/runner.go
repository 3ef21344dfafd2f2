package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/relayclaw/internal/bus"
)

// Cycler runs one cycle for a scope. *Processor satisfies it.
type Cycler interface {
	RunCycle(ctx context.Context, scope bus.Scope) (bus.StatusReport, error)
}

// Runner schedules cycles over a fixed set of scopes.
type Runner struct {
	cycler Cycler
	scopes []bus.Scope
}

func NewRunner(c Cycler, scopes []bus.Scope) *Runner {
	return &Runner{cycler: c, scopes: scopes}
}

// RunOnce runs one cycle per scope concurrently and returns the reports in
// scope order. This is the stateless entry point.
func (r *Runner) RunOnce(ctx context.Context) ([]bus.StatusReport, error) {
	reports := make([]bus.StatusReport, len(r.scopes))
	errs := make([]error, len(r.scopes))

	var g errgroup.Group
	for i, scope := range r.scopes {
		g.Go(func() error {
			reports[i], errs[i] = r.cycler.RunCycle(ctx, scope)
			return nil
		})
	}
	_ = g.Wait()
	return reports, errors.Join(errs...)
}

// RunPolling ticks every interval until ctx is done. A tick never waits for
// a slow scope: scopes still busy are skipped by the processor.
func (r *Runner) RunPolling(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	return r.loop(ctx, func() <-chan time.Time { return ticker.C })
}

// RunCron ticks on a cron expression (e.g. "*/1 * * * *").
func (r *Runner) RunCron(ctx context.Context, expr string) error {
	if !gronx.New().IsValid(expr) {
		return fmt.Errorf("invalid cron expression %q", expr)
	}
	return r.loop(ctx, func() <-chan time.Time {
		next, err := gronx.NextTickAfter(expr, time.Now(), false)
		if err != nil {
			slog.Error("pipeline: cron next tick", "expr", expr, "error", err)
			return time.After(time.Minute)
		}
		return time.After(time.Until(next))
	})
}

func (r *Runner) loop(ctx context.Context, next func() <-chan time.Time) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	tick := func() {
		for _, scope := range r.scopes {
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.cycle(ctx, scope)
			}()
		}
	}

	tick()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-next():
			tick()
		}
	}
}

// RunNotified runs one loop per scope, cycling whenever notify fires for it
// and at least every fallback. Events of one scope are handled in order;
// scopes proceed independently.
func (r *Runner) RunNotified(ctx context.Context, notify func(bus.Scope) <-chan struct{}, fallback time.Duration) error {
	if fallback <= 0 {
		fallback = time.Minute
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, scope := range r.scopes {
		wake := notify(scope)
		g.Go(func() error {
			ticker := time.NewTicker(fallback)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-wake:
				case <-ticker.C:
				}
				r.cycle(gctx, scope)
			}
		})
	}
	return g.Wait()
}

func (r *Runner) cycle(ctx context.Context, scope bus.Scope) {
	_, err := r.cycler.RunCycle(ctx, scope)
	if errors.Is(err, ErrCycleBusy) {
		slog.Debug("pipeline: previous cycle still running, skipping tick", "scope", scope)
	}
}
