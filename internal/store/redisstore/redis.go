// Package redisstore keeps relay state in Redis, for stateless deployments
// where every invocation may land on a fresh process.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nextlevelbuilder/relayclaw/internal/bus"
	"github.com/nextlevelbuilder/relayclaw/internal/store"
)

// advanceScript sets HASH[field] = value only when value is greater than the
// stored one. Values are compared as decimal strings (length first) because
// snowflakes do not fit in a Lua double.
var advanceScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], ARGV[1])
if cur then
  if #cur > #ARGV[2] then return 0 end
  if #cur == #ARGV[2] and cur >= ARGV[2] then return 0 end
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

// RedisStore implements the store interfaces on a single Redis client.
type RedisStore struct {
	client       *redis.Client
	prefix       string
	historyLimit int
}

// NewRedisStore connects to redisURL and verifies the connection.
func NewRedisStore(ctx context.Context, redisURL, prefix string, historyLimit int) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	if prefix == "" {
		prefix = "relayclaw"
	}
	if historyLimit <= 0 {
		historyLimit = store.DefaultHistoryLimit
	}
	return &RedisStore{client: client, prefix: prefix, historyLimit: historyLimit}, nil
}

// NewStores wires a RedisStore into every store slot.
func NewStores(ctx context.Context, cfg store.StoreConfig) (*store.Stores, error) {
	s, err := NewRedisStore(ctx, cfg.RedisURL, cfg.KeyPrefix, cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("connect redis: %w", err)
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

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) cursorsKey() string   { return s.prefix + ":cursors" }
func (s *RedisStore) cooldownsKey() string { return s.prefix + ":cooldowns" }

func (s *RedisStore) historyKey(scope bus.Scope) string {
	return fmt.Sprintf("%s:history:%s", s.prefix, scope)
}

func (s *RedisStore) usageKey(day string) string {
	return fmt.Sprintf("%s:usage:%s", s.prefix, day)
}

func (s *RedisStore) GetCursor(ctx context.Context, scope bus.Scope) (bus.MessageID, error) {
	v, err := s.client.HGet(ctx, s.cursorsKey(), string(scope)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, store.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return bus.ParseMessageID(v)
}

func (s *RedisStore) AdvanceCursor(ctx context.Context, scope bus.Scope, id bus.MessageID) (bool, error) {
	n, err := advanceScript.Run(ctx, s.client, []string{s.cursorsKey()}, string(scope), id.String()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) GetLastResponse(ctx context.Context, key string) (time.Time, error) {
	v, err := s.client.HGet(ctx, s.cooldownsKey(), key).Int64()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, store.ErrNotFound
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(v), nil
}

func (s *RedisStore) RecordResponse(ctx context.Context, key string, at time.Time) (bool, error) {
	ms := strconv.FormatInt(at.UnixMilli(), 10)
	n, err := advanceScript.Run(ctx, s.client, []string{s.cooldownsKey()}, key, ms).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisStore) AppendTurn(ctx context.Context, scope bus.Scope, turn bus.Turn) error {
	data, err := json.Marshal(turn)
	if err != nil {
		return err
	}
	key := s.historyKey(scope)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, int64(s.historyLimit-1))
		return nil
	})
	return err
}

func (s *RedisStore) RecentTurns(ctx context.Context, scope bus.Scope, limit int) ([]bus.Turn, error) {
	if limit <= 0 {
		limit = s.historyLimit
	}
	items, err := s.client.LRange(ctx, s.historyKey(scope), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	// The list is newest first.
	turns := make([]bus.Turn, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		var t bus.Turn
		if err := json.Unmarshal([]byte(items[i]), &t); err != nil {
			return nil, fmt.Errorf("decode turn: %w", err)
		}
		turns = append(turns, t)
	}
	return turns, nil
}

func (s *RedisStore) IncrementUsage(ctx context.Context, day, model string) error {
	return s.client.HIncrBy(ctx, s.usageKey(day), model, 1).Err()
}

func (s *RedisStore) UsageForDay(ctx context.Context, day string) (map[string]int64, error) {
	raw, err := s.client.HGetAll(ctx, s.usageKey(day)).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(raw))
	for model, v := range raw {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("usage %s: %w", model, err)
		}
		out[model] = n
	}
	return out, nil
}

func (s *RedisStore) ListCursors(ctx context.Context) (map[bus.Scope]bus.MessageID, error) {
	raw, err := s.client.HGetAll(ctx, s.cursorsKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[bus.Scope]bus.MessageID, len(raw))
	for scope, v := range raw {
		id, err := bus.ParseMessageID(v)
		if err != nil {
			return nil, fmt.Errorf("cursor %s: %w", scope, err)
		}
		out[bus.Scope(scope)] = id
	}
	return out, nil
}

func (s *RedisStore) ListCooldowns(ctx context.Context) (map[string]time.Time, error) {
	raw, err := s.client.HGetAll(ctx, s.cooldownsKey()).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]time.Time, len(raw))
	for key, v := range raw {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("cooldown %s: %w", key, err)
		}
		out[key] = time.UnixMilli(ms)
	}
	return out, nil
}
