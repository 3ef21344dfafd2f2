// Package sqlite implements the store interfaces on an embedded SQLite database
// (pure-Go driver). It is the default backend for single-host deployments and for
// stateless invocations that share a persistent volume.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/relayclaw/internal/bus"
	"github.com/nextlevelbuilder/relayclaw/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS cursors (
	scope      TEXT PRIMARY KEY,
	last_id    INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS cooldowns (
	key              TEXT PRIMARY KEY,
	last_response_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS history (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	scope      TEXT NOT NULL,
	message_id INTEGER NOT NULL DEFAULT 0,
	role       TEXT NOT NULL,
	author     TEXT NOT NULL DEFAULT '',
	content    TEXT NOT NULL,
	at_ms      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_history_scope ON history(scope, id);

CREATE TABLE IF NOT EXISTS usage (
	day      TEXT NOT NULL,
	model_id TEXT NOT NULL,
	count    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (day, model_id)
);
`

// Store handles SQLite database operations.
type Store struct {
	db           *sql.DB
	historyLimit int
}

// Open creates (if needed) and opens the database at path.
// If path is empty, defaults to "./data/relayclaw.db".
func Open(ctx context.Context, path string, historyLimit int) (*Store, error) {
	if path == "" {
		path = "./data/relayclaw.db"
	}
	if historyLimit <= 0 {
		historyLimit = store.DefaultHistoryLimit
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: create dir: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// One writer at a time; concurrent writers only produce SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: init schema: %w", err)
	}

	return &Store{db: db, historyLimit: historyLimit}, nil
}

// NewStores opens the database and wraps it into a store.Stores container.
func NewStores(ctx context.Context, cfg store.StoreConfig) (*store.Stores, error) {
	s, err := Open(ctx, cfg.SQLitePath, cfg.HistoryLimit)
	if err != nil {
		return nil, err
	}
	return &store.Stores{
		Cursors:   s,
		Cooldowns: s,
		History:   s,
		Usage:     s,
		Lister:    s,
		Close:     s.Close,
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) GetCursor(ctx context.Context, scope bus.Scope) (bus.MessageID, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT last_id FROM cursors WHERE scope = ?`, string(scope)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return bus.MessageID(id), nil
}

func (s *Store) AdvanceCursor(ctx context.Context, scope bus.Scope, id bus.MessageID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (scope, last_id, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(scope) DO UPDATE SET last_id = excluded.last_id, updated_at = excluded.updated_at
		WHERE excluded.last_id > cursors.last_id`,
		string(scope), int64(id), time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) GetLastResponse(ctx context.Context, key string) (time.Time, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, `SELECT last_response_ms FROM cooldowns WHERE key = ?`, key).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, store.ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

func (s *Store) RecordResponse(ctx context.Context, key string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cooldowns (key, last_response_ms) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET last_response_ms = excluded.last_response_ms
		WHERE excluded.last_response_ms > cooldowns.last_response_ms`,
		key, at.UnixMilli())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) AppendTurn(ctx context.Context, scope bus.Scope, turn bus.Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO history (scope, message_id, role, author, content, at_ms) VALUES (?, ?, ?, ?, ?, ?)`,
		string(scope), int64(turn.MessageID), turn.Role, turn.Author, turn.Content, turn.At.UnixMilli()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM history WHERE scope = ? AND id NOT IN (
			SELECT id FROM history WHERE scope = ? ORDER BY id DESC LIMIT ?
		)`, string(scope), string(scope), s.historyLimit); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) RecentTurns(ctx context.Context, scope bus.Scope, limit int) ([]bus.Turn, error) {
	if limit <= 0 {
		limit = s.historyLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, role, author, content, at_ms FROM history
		WHERE scope = ? ORDER BY id DESC LIMIT ?`, string(scope), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []bus.Turn
	for rows.Next() {
		var (
			t     bus.Turn
			msgID int64
			atMs  int64
		)
		if err := rows.Scan(&msgID, &t.Role, &t.Author, &t.Content, &atMs); err != nil {
			return nil, err
		}
		t.MessageID = bus.MessageID(msgID)
		t.At = time.UnixMilli(atMs)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// newest-first from the query; callers want oldest first
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

func (s *Store) IncrementUsage(ctx context.Context, day, model string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage (day, model_id, count) VALUES (?, ?, 1)
		ON CONFLICT(day, model_id) DO UPDATE SET count = count + 1`, day, model)
	return err
}

func (s *Store) UsageForDay(ctx context.Context, day string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT model_id, count FROM usage WHERE day = ?`, day)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var (
			model string
			n     int64
		)
		if err := rows.Scan(&model, &n); err != nil {
			return nil, err
		}
		out[model] = n
	}
	return out, rows.Err()
}

func (s *Store) ListCursors(ctx context.Context) (map[bus.Scope]bus.MessageID, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT scope, last_id FROM cursors`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[bus.Scope]bus.MessageID)
	for rows.Next() {
		var (
			scope string
			id    int64
		)
		if err := rows.Scan(&scope, &id); err != nil {
			return nil, err
		}
		out[bus.Scope(scope)] = bus.MessageID(id)
	}
	return out, rows.Err()
}

func (s *Store) ListCooldowns(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, last_response_ms FROM cooldowns`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			key string
			ms  int64
		)
		if err := rows.Scan(&key, &ms); err != nil {
			return nil, err
		}
		out[key] = time.UnixMilli(ms)
	}
	return out, rows.Err()
}
