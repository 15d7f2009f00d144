// Package redisstore persists finished calls in Redis: one JSON string per
// call, a sorted-set index by start time and a stats hash.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/harunnryd/hrcall/pkg/call"
	"github.com/harunnryd/hrcall/pkg/store"
)

const (
	statsCalls    = "total_calls"
	statsDuration = "total_duration_seconds"
)

// saveScript writes the index and stats first and the call record last, so
// a failed update leaves no record behind. Returns 0 when the id exists.
var saveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
local r = redis.pcall('ZADD', KEYS[2], ARGV[2], ARGV[3])
if type(r) == 'table' and r.err then
  return r
end
r = redis.pcall('HINCRBY', KEYS[3], ARGV[4], 1)
if type(r) == 'table' and r.err then
  redis.call('ZREM', KEYS[2], ARGV[3])
  return r
end
r = redis.pcall('HINCRBY', KEYS[3], ARGV[5], ARGV[6])
if type(r) == 'table' and r.err then
  redis.call('ZREM', KEYS[2], ARGV[3])
  redis.call('HINCRBY', KEYS[3], ARGV[4], -1)
  return r
end
redis.call('SET', KEYS[1], ARGV[1])
return 1
`)

// Store is a Redis-backed gateway.
type Store struct {
	client *redis.Client
	prefix string
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key prefix. Default is "hrcall".
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, prefix: "hrcall"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) callKey(id string) string { return s.prefix + ":call:" + id }
func (s *Store) indexKey() string         { return s.prefix + ":calls" }
func (s *Store) statsKey() string         { return s.prefix + ":stats" }

func (s *Store) Save(ctx context.Context, c call.Completed) (string, error) {
	c, err := store.Prepare(c)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal call: %w", err)
	}
	keys := []string{s.callKey(c.ID), s.indexKey(), s.statsKey()}
	score := strconv.FormatInt(c.StartedAt.UnixMilli(), 10)
	n, err := saveScript.Run(ctx, s.client, keys,
		string(data), score, c.ID, statsCalls, statsDuration, c.DurationSeconds).Int()
	if err != nil {
		return "", fmt.Errorf("redis save failed: %w", err)
	}
	if n == 0 {
		return "", store.ErrDuplicate
	}
	return c.ID, nil
}

func (s *Store) Get(ctx context.Context, id string) (call.Completed, bool, error) {
	if !store.ValidID(id) {
		return call.Completed{}, false, nil
	}
	data, err := s.client.Get(ctx, s.callKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return call.Completed{}, false, nil
		}
		return call.Completed{}, false, fmt.Errorf("redis get failed: %w", err)
	}
	var c call.Completed
	if err := json.Unmarshal(data, &c); err != nil {
		return call.Completed{}, false, fmt.Errorf("failed to unmarshal call: %w", err)
	}
	return c, true, nil
}

// List relies on ZREVRANGE ordering equal scores by member descending,
// which matches the id tie-break.
func (s *Store) List(ctx context.Context, limit int) ([]call.Completed, error) {
	limit = store.ClampLimit(limit)
	ids, err := s.client.ZRevRange(ctx, s.indexKey(), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrevrange failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.callKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget failed: %w", err)
	}
	out := make([]call.Completed, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var c call.Completed
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("failed to unmarshal call %s: %w", ids[i], err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) Stats(ctx context.Context) (call.Stats, error) {
	h, err := s.client.HGetAll(ctx, s.statsKey()).Result()
	if err != nil {
		return call.Stats{}, fmt.Errorf("redis hgetall failed: %w", err)
	}
	total, _ := strconv.Atoi(h[statsCalls])
	seconds, _ := strconv.ParseInt(h[statsDuration], 10, 64)
	if total == 0 {
		return call.NewStats(0, 0, nil), nil
	}
	recent, err := s.List(ctx, 1)
	if err != nil {
		return call.Stats{}, err
	}
	var mostRecent *call.Completed
	if len(recent) > 0 {
		mostRecent = &recent[0]
	}
	return call.NewStats(total, seconds, mostRecent), nil
}

// Close closes the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

var _ store.Gateway = (*Store)(nil)
