package pipeline

import (
	"slices"
	"sync"

	"github.com/nextlevelbuilder/relayclaw/internal/bus"
)

// StatusBoard keeps the last report per scope and fans reports out to
// subscribers. Safe for concurrent use.
type StatusBoard struct {
	mu   sync.RWMutex
	last map[bus.Scope]bus.StatusReport
	subs []bus.StatusPublisher
}

func NewStatusBoard() *StatusBoard {
	return &StatusBoard{last: make(map[bus.Scope]bus.StatusReport)}
}

// Subscribe adds a receiver for every later report.
func (b *StatusBoard) Subscribe(p bus.StatusPublisher) {
	b.mu.Lock()
	b.subs = append(b.subs, p)
	b.mu.Unlock()
}

// PublishStatus implements bus.StatusPublisher. Skipped cycles are forwarded
// but do not replace the last completed report.
func (b *StatusBoard) PublishStatus(r bus.StatusReport) {
	b.mu.Lock()
	if !r.Skipped {
		b.last[r.Scope] = r
	}
	subs := slices.Clone(b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		s.PublishStatus(r)
	}
}

// Snapshot returns the last completed report of every scope, ordered by scope.
func (b *StatusBoard) Snapshot() []bus.StatusReport {
	b.mu.RLock()
	out := make([]bus.StatusReport, 0, len(b.last))
	for _, r := range b.last {
		out = append(out, r)
	}
	b.mu.RUnlock()
	slices.SortFunc(out, func(a, b bus.StatusReport) int {
		switch {
		case a.Scope < b.Scope:
			return -1
		case a.Scope > b.Scope:
			return 1
		}
		return 0
	})
	return out
}
