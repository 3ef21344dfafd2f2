// Package cursor tracks, per scope, the highest message ID already processed.
//
// The durable CursorStore is the source of truth and is read on every Get.
// Tracker also remembers the highest value it has seen, which only advances
// after a durable write or read succeeded, so a failed commit can never look
// like progress.
package cursor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/relayclaw/internal/bus"
	"github.com/nextlevelbuilder/relayclaw/internal/store"
)

// ErrPersistence wraps a failed durable cursor read or write. It is fatal for
// the cycle that hit it.
var ErrPersistence = errors.New("cursor persistence failed")

// Tracker is safe for concurrent use across scopes.
type Tracker struct {
	store store.CursorStore

	mu    sync.Mutex
	cache map[bus.Scope]bus.MessageID
}

func NewTracker(s store.CursorStore) *Tracker {
	return &Tracker{store: s, cache: make(map[bus.Scope]bus.MessageID)}
}

// Get returns the scope's cursor. ok is false when the scope has never been
// committed. Every call reads the durable store, since other processes may
// share it; the cache only serves as a floor.
func (t *Tracker) Get(ctx context.Context, scope bus.Scope) (bus.MessageID, bool, error) {
	id, err := t.store.GetCursor(ctx, scope)
	if errors.Is(err, store.ErrNotFound) {
		return t.cached(scope)
	}
	if err != nil {
		return 0, false, fmt.Errorf("%w: get %s: %v", ErrPersistence, scope, err)
	}
	t.remember(scope, id)
	return t.cached(scope)
}

// Commit advances the scope's cursor to id. A commit with id at or below the
// current value is a no-op. Another process may have moved the cursor further,
// in which case the cache adopts the durable value.
func (t *Tracker) Commit(ctx context.Context, scope bus.Scope, id bus.MessageID) error {
	if cur, ok, err := t.Get(ctx, scope); err != nil {
		return err
	} else if ok && id <= cur {
		return nil
	}

	advanced, err := t.store.AdvanceCursor(ctx, scope, id)
	if err != nil {
		return fmt.Errorf("%w: commit %s=%s: %v", ErrPersistence, scope, id, err)
	}
	if advanced {
		t.remember(scope, id)
		return nil
	}

	// Lost the race to a concurrent consumer; adopt the durable value.
	_, _, err = t.Get(ctx, scope)
	return err
}

func (t *Tracker) cached(scope bus.Scope) (bus.MessageID, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.cache[scope]
	return id, ok, nil
}

func (t *Tracker) remember(scope bus.Scope, id bus.MessageID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.cache[scope]; !ok || id > cur {
		t.cache[scope] = id
	}
}
