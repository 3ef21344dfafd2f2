package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/relayclaw/internal/bus"
	"github.com/nextlevelbuilder/relayclaw/internal/store"
)

// PGStore implements the store interfaces backed by Postgres.
// Conditional upserts make every advance a single atomic statement, so several
// processes may share one database.
type PGStore struct {
	db           *sql.DB
	historyLimit int
}

func NewPGStore(db *sql.DB, historyLimit int) *PGStore {
	if historyLimit <= 0 {
		historyLimit = store.DefaultHistoryLimit
	}
	return &PGStore{db: db, historyLimit: historyLimit}
}

func (s *PGStore) GetCursor(ctx context.Context, scope bus.Scope) (bus.MessageID, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT last_id FROM cursors WHERE scope = $1`, string(scope)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return bus.MessageID(id), nil
}

func (s *PGStore) AdvanceCursor(ctx context.Context, scope bus.Scope, id bus.MessageID) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (scope, last_id, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (scope) DO UPDATE SET last_id = EXCLUDED.last_id, updated_at = now()
		WHERE cursors.last_id < EXCLUDED.last_id`,
		string(scope), int64(id))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PGStore) GetLastResponse(ctx context.Context, key string) (time.Time, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx, `SELECT last_response_at FROM cooldowns WHERE key = $1`, key).Scan(&at)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, store.ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	return at, nil
}

func (s *PGStore) RecordResponse(ctx context.Context, key string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO cooldowns (key, last_response_at) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET last_response_at = EXCLUDED.last_response_at
		WHERE cooldowns.last_response_at < EXCLUDED.last_response_at`,
		key, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *PGStore) AppendTurn(ctx context.Context, scope bus.Scope, turn bus.Turn) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// v7 ids sort by creation time, so "ORDER BY id" is insertion order.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO history (id, scope, message_id, role, author, content, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.Must(uuid.NewV7()), string(scope), int64(turn.MessageID), turn.Role, turn.Author, turn.Content, turn.At); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM history WHERE scope = $1 AND id NOT IN (
			SELECT id FROM history WHERE scope = $1 ORDER BY id DESC LIMIT $2
		)`, string(scope), s.historyLimit); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *PGStore) RecentTurns(ctx context.Context, scope bus.Scope, limit int) ([]bus.Turn, error) {
	if limit <= 0 {
		limit = s.historyLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT message_id, role, author, content, at FROM (
			SELECT id, message_id, role, author, content, at FROM history
			WHERE scope = $1 ORDER BY id DESC LIMIT $2
		) recent ORDER BY id ASC`, string(scope), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []bus.Turn
	for rows.Next() {
		var (
			t     bus.Turn
			msgID int64
		)
		if err := rows.Scan(&msgID, &t.Role, &t.Author, &t.Content, &t.At); err != nil {
			return nil, err
		}
		t.MessageID = bus.MessageID(msgID)
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

func (s *PGStore) IncrementUsage(ctx context.Context, day, model string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_usage (day, model_id, count) VALUES ($1, $2, 1)
		ON CONFLICT (day, model_id) DO UPDATE SET count = model_usage.count + 1`, day, model)
	return err
}

func (s *PGStore) UsageForDay(ctx context.Context, day string) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT model_id, count FROM model_usage WHERE day = $1`, day)
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

func (s *PGStore) ListCursors(ctx context.Context) (map[bus.Scope]bus.MessageID, error) {
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

func (s *PGStore) ListCooldowns(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, last_response_at FROM cooldowns`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			key string
			at  time.Time
		)
		if err := rows.Scan(&key, &at); err != nil {
			return nil, err
		}
		out[key] = at
	}
	return out, rows.Err()
}
