package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "expand:progress:"

// publishScript applies the same final and stale rules as stale() and the
// overwrite atomically. Returns the new version, -1 for a stale record or -2
// when the stored record is final.
var publishScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'ts', 'terminal', 'phase')
if cur[1] then
	if cur[2] == '1' then
		return -2
	end
	if cur[3] ~= 'queued' and ARGV[2] ~= '1' and tonumber(ARGV[1]) < tonumber(cur[1]) then
		return -1
	end
end
local v = redis.call('HINCRBY', KEYS[1], 'version', 1)
redis.call('HSET', KEYS[1], 'ts', ARGV[1], 'terminal', ARGV[2], 'data', ARGV[3], 'phase', ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return v
`)

// RedisStore keeps each record in a hash that expires ttl after the last publish.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed Store.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) key(token string) string {
	return redisKeyPrefix + token
}

func (s *RedisStore) Publish(ctx context.Context, token string, rec Record) error {
	rec.Version = 0
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding progress record: %w", err)
	}

	terminal := "0"
	if rec.Phase.Terminal() {
		terminal = "1"
	}

	// Microseconds stay exact in Lua's double precision numbers.
	res, err := publishScript.Run(ctx, s.client, []string{s.key(token)},
		rec.Timestamp.UnixMicro(), terminal, data, s.ttl.Milliseconds(), string(rec.Phase)).Int64()
	if err != nil {
		return fmt.Errorf("publishing progress record: %w", err)
	}

	switch res {
	case -1:
		return ErrStale
	case -2:
		return ErrFinal
	}
	return nil
}

func (s *RedisStore) Read(ctx context.Context, token string) (Record, error) {
	vals, err := s.client.HMGet(ctx, s.key(token), "data", "version").Result()
	if err != nil {
		return Record{}, fmt.Errorf("reading progress record: %w", err)
	}
	if len(vals) != 2 || vals[0] == nil {
		return Record{}, ErrNotFound
	}

	data, ok := vals[0].(string)
	if !ok {
		return Record{}, errors.New("unexpected progress record encoding")
	}

	var rec Record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return Record{}, fmt.Errorf("decoding progress record: %w", err)
	}
	if v, ok := vals[1].(string); ok {
		rec.Version, _ = strconv.ParseInt(v, 10, 64)
	}
	return rec, nil
}

var _ Store = (*RedisStore)(nil)
