package store

import (
	"context"
	"errors"
	"time"

	"github.com/nextlevelbuilder/relayclaw/internal/bus"
)

// ErrNotFound is returned when a scope has no stored value yet.
var ErrNotFound = errors.New("store: not found")

// CursorStore persists, per scope, the highest message ID already processed.
type CursorStore interface {
	// GetCursor returns the scope's cursor, or ErrNotFound.
	GetCursor(ctx context.Context, scope bus.Scope) (bus.MessageID, error)

	// AdvanceCursor writes id only if it is greater than the stored value (or none is stored).
	// It reports whether the write happened. Implementations must make the
	// comparison and the write one atomic step.
	AdvanceCursor(ctx context.Context, scope bus.Scope, id bus.MessageID) (bool, error)
}

// CooldownStore persists, per cooldown key, the time of the last delivered response.
type CooldownStore interface {
	// GetLastResponse returns the last response time, or ErrNotFound.
	GetLastResponse(ctx context.Context, key string) (time.Time, error)

	// RecordResponse stores at only if it is later than the stored value, atomically.
	RecordResponse(ctx context.Context, key string, at time.Time) (bool, error)
}

// HistoryStore keeps a bounded per-scope conversation history.
type HistoryStore interface {
	AppendTurn(ctx context.Context, scope bus.Scope, turn bus.Turn) error
	// RecentTurns returns at most limit turns, oldest first.
	RecentTurns(ctx context.Context, scope bus.Scope, limit int) ([]bus.Turn, error)
}

// UsageStore counts successful completions per model per day.
type UsageStore interface {
	IncrementUsage(ctx context.Context, day, model string) error
	UsageForDay(ctx context.Context, day string) (map[string]int64, error)
}

// StateLister enumerates stored state for operator tooling.
type StateLister interface {
	ListCursors(ctx context.Context) (map[bus.Scope]bus.MessageID, error)
	ListCooldowns(ctx context.Context) (map[string]time.Time, error)
}

// Stores is the top-level container for all storage backends.
type Stores struct {
	Cursors   CursorStore
	Cooldowns CooldownStore
	History   HistoryStore
	Usage     UsageStore
	Lister    StateLister
	Close     func() error
}

// StoreConfig selects and configures a backend.
type StoreConfig struct {
	Backend      string // "sqlite" (default), "postgres", "redis", "memory"
	SQLitePath   string
	PostgresDSN  string
	RedisURL     string
	KeyPrefix    string // redis key namespace
	HistoryLimit int    // turns kept per scope
}

// DefaultHistoryLimit is the number of turns kept per scope when unset.
const DefaultHistoryLimit = 100

// Day formats t as the usage-counter day key.
func Day(t time.Time) string { return t.UTC().Format("2006-01-02") }
