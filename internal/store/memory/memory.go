// Package memory implements the store interfaces in process memory. State does not
// survive a restart; it backs tests and single-process gateway deployments that
// accept losing progress on restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/nextlevelbuilder/relayclaw/internal/bus"
	"github.com/nextlevelbuilder/relayclaw/internal/store"
)

// Store implements every store interface behind one mutex.
type Store struct {
	mu           sync.Mutex
	cursors      map[bus.Scope]bus.MessageID
	cooldowns    map[string]time.Time
	history      map[bus.Scope][]bus.Turn
	usage        map[string]map[string]int64
	historyLimit int
}

// New creates an empty in-memory store.
func New(historyLimit int) *Store {
	if historyLimit <= 0 {
		historyLimit = store.DefaultHistoryLimit
	}
	return &Store{
		cursors:      make(map[bus.Scope]bus.MessageID),
		cooldowns:    make(map[string]time.Time),
		history:      make(map[bus.Scope][]bus.Turn),
		usage:        make(map[string]map[string]int64),
		historyLimit: historyLimit,
	}
}

// NewStores wraps a new in-memory store into a store.Stores container.
func NewStores(historyLimit int) *store.Stores {
	s := New(historyLimit)
	return &store.Stores{
		Cursors:   s,
		Cooldowns: s,
		History:   s,
		Usage:     s,
		Lister:    s,
		Close:     func() error { return nil },
	}
}

func (s *Store) GetCursor(_ context.Context, scope bus.Scope) (bus.MessageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.cursors[scope]
	if !ok {
		return 0, store.ErrNotFound
	}
	return id, nil
}

func (s *Store) AdvanceCursor(_ context.Context, scope bus.Scope, id bus.MessageID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.cursors[scope]; ok && id <= cur {
		return false, nil
	}
	s.cursors[scope] = id
	return true, nil
}

func (s *Store) GetLastResponse(_ context.Context, key string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	at, ok := s.cooldowns[key]
	if !ok {
		return time.Time{}, store.ErrNotFound
	}
	return at, nil
}

func (s *Store) RecordResponse(_ context.Context, key string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.cooldowns[key]; ok && !at.After(cur) {
		return false, nil
	}
	s.cooldowns[key] = at
	return true, nil
}

func (s *Store) AppendTurn(_ context.Context, scope bus.Scope, turn bus.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := append(s.history[scope], turn)
	if len(turns) > s.historyLimit {
		turns = append([]bus.Turn(nil), turns[len(turns)-s.historyLimit:]...)
	}
	s.history[scope] = turns
	return nil
}

func (s *Store) RecentTurns(_ context.Context, scope bus.Scope, limit int) ([]bus.Turn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	turns := s.history[scope]
	if limit > 0 && len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	out := make([]bus.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (s *Store) IncrementUsage(_ context.Context, day, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.usage[day] == nil {
		s.usage[day] = make(map[string]int64)
	}
	s.usage[day][model]++
	return nil
}

func (s *Store) UsageForDay(_ context.Context, day string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.usage[day]))
	for k, v := range s.usage[day] {
		out[k] = v
	}
	return out, nil
}

func (s *Store) ListCursors(context.Context) (map[bus.Scope]bus.MessageID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[bus.Scope]bus.MessageID, len(s.cursors))
	for k, v := range s.cursors {
		out[k] = v
	}
	return out, nil
}

func (s *Store) ListCooldowns(context.Context) (map[string]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.cooldowns))
	for k, v := range s.cooldowns {
		out[k] = v
	}
	return out, nil
}
