package cooldown

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/relayclaw/internal/store"
)

// ErrPersistence wraps a failed durable cooldown read or write.
var ErrPersistence = errors.New("cooldown persistence failed")

// Tracker applies the gate against durable per-key state.
// The interval can be swapped at runtime by config reload.
type Tracker struct {
	store    store.CooldownStore
	interval atomic.Int64
}

func NewTracker(s store.CooldownStore, minInterval time.Duration) *Tracker {
	t := &Tracker{store: s}
	t.SetInterval(minInterval)
	return t
}

func (t *Tracker) SetInterval(d time.Duration) { t.interval.Store(int64(d)) }

func (t *Tracker) Interval() time.Duration { return time.Duration(t.interval.Load()) }

// Check reports whether key may respond at now, and if not, how long remains.
func (t *Tracker) Check(ctx context.Context, key string, now time.Time) (bool, time.Duration, error) {
	last, err := t.store.GetLastResponse(ctx, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return false, 0, fmt.Errorf("%w: get %s: %v", ErrPersistence, key, err)
	}
	min := t.Interval()
	return Allow(last, now, min), Remaining(last, now, min), nil
}

// Record stores a confirmed delivery time for key. Callers invoke it only
// after the platform accepted the reply.
func (t *Tracker) Record(ctx context.Context, key string, at time.Time) error {
	if _, err := t.store.RecordResponse(ctx, key, at); err != nil {
		return fmt.Errorf("%w: record %s: %v", ErrPersistence, key, err)
	}
	return nil
}
