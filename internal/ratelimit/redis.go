package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowLua mirrors advance() so a hit is one round-trip and free of the
// read-then-write race. Fields: c = count, ws = window start, bu = blocked
// until (0 while counting), all unix seconds.
const fixedWindowLua = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local block = tonumber(ARGV[4])

local data = redis.call("HMGET", key, "c", "ws", "bu")
local c = tonumber(data[1])
local ws = tonumber(data[2])
local bu = tonumber(data[3]) or 0

local fresh = (c == nil) or (ws == nil)
if not fresh then
  if bu > 0 then
    fresh = now >= bu
  else
    fresh = (now - ws) > window
  end
end

local limited = 0
local ttl = window
if fresh then
  c = 1
  ws = now
  bu = 0
elseif bu > 0 then
  c = c + 1
  limited = 1
  ttl = bu - now
elseif c >= limit then
  c = c + 1
  bu = now + block
  limited = 1
  ttl = block
else
  c = c + 1
  ttl = ws + window - now
end
if ttl < 1 then
  ttl = 1
end

redis.call("HSET", key, "c", c, "ws", ws, "bu", bu)
redis.call("EXPIRE", key, ttl)
return {limited, c, ws, bu}
`

var fixedWindowScript = redis.NewScript(fixedWindowLua)

// RedisStore keeps counters in Redis so every gate instance shares them.
type RedisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	vals, err := s.rdb.HMGet(ctx, key, "c", "ws", "bu").Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if len(vals) != 3 || vals[0] == nil || vals[1] == nil {
		return nil, nil
	}
	c, ok1 := toInt(vals[0])
	ws, ok2 := toInt(vals[1])
	bu, _ := toInt(vals[2])
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("%w: malformed record at %s", ErrStoreUnavailable, key)
	}
	return recordFromUnix(c, ws, bu), nil
}

func (s *RedisStore) Set(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	var bu int64
	if rec.Blocked() {
		bu = rec.BlockedUntil.Unix()
	}
	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "c", rec.Count, "ws", rec.WindowStart.Unix(), "bu", bu)
		p.Expire(ctx, key, ttlSeconds(ttl))
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Hit(ctx context.Context, key string, rule Rule, now time.Time) (Record, bool, error) {
	res, err := fixedWindowScript.Run(ctx, s.rdb, []string{key},
		now.Unix(), rule.Limit, int64(rule.Window/time.Second), int64(rule.Block/time.Second),
	).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	arr, ok := res.([]any)
	if !ok || len(arr) != 4 {
		return Record{}, false, fmt.Errorf("%w: unexpected script reply %T", ErrStoreUnavailable, res)
	}
	limited, _ := toInt(arr[0])
	c, _ := toInt(arr[1])
	ws, _ := toInt(arr[2])
	bu, _ := toInt(arr[3])
	return *recordFromUnix(c, ws, bu), limited == 1, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Close() error { return s.rdb.Close() }

func recordFromUnix(c, ws, bu int64) *Record {
	rec := &Record{Count: int(c), WindowStart: time.Unix(ws, 0)}
	if bu > 0 {
		rec.BlockedUntil = time.Unix(bu, 0)
	}
	return rec
}

func toInt(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case float64:
		return int64(t), true
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
