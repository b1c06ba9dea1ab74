package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/inference-client/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultRedisPrefix namespaces all keys written by RedisStore.
const DefaultRedisPrefix = "inference:cache:"

// trimScript pops the least recently used members beyond the capacity and
// deletes their entries in one atomic step.
//
// KEYS[1] = recency index, ARGV[1] = capacity, ARGV[2] = entry key prefix
var trimScript = redis.NewScript(`
local excess = redis.call('ZCARD', KEYS[1]) - tonumber(ARGV[1])
if excess <= 0 then
	return 0
end
local victims = redis.call('ZPOPMIN', KEYS[1], excess)
for i = 1, #victims, 2 do
	redis.call('DEL', ARGV[2] .. victims[i])
end
return excess
`)

// RedisStore is a Store backed by Redis, for sharing cached completions
// between replicas. Entries expire through Redis TTLs; recency is tracked in a
// sorted set scored by last access, which bounds the store to MaxEntries.
//
// Backend errors are logged and treated as misses.
type RedisStore struct {
	redis  *redis.Client
	prefix string
	logger zerolog.Logger
	now    func() time.Time

	mu  sync.RWMutex
	cfg Config

	hits        atomic.Uint64
	misses      atomic.Uint64
	evictions   atomic.Uint64
	expirations atomic.Uint64
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithPrefix sets the key namespace. An empty prefix keeps DefaultRedisPrefix.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithLogger sets the logger used for backend errors.
func WithLogger(logger zerolog.Logger) RedisOption {
	return func(s *RedisStore) {
		s.logger = logger
	}
}

// WithRedisClock overrides the time source (for testing).
func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) {
		s.now = now
	}
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(redisClient *redis.Client, cfg Config, opts ...RedisOption) *RedisStore {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	s := &RedisStore{
		redis:  redisClient,
		prefix: DefaultRedisPrefix,
		logger: log.With().Str("component", "redis-cache").Logger(),
		now:    time.Now,
		cfg:    cfg.normalized(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Prefix returns the key namespace.
func (s *RedisStore) Prefix() string {
	return s.prefix
}

func (s *RedisStore) entryKey(key string) string { return s.prefix + "entry:" + key }
func (s *RedisStore) indexKey() string           { return s.prefix + "lru" }

func (s *RedisStore) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Get retrieves a response by key and refreshes its recency score.
func (s *RedisStore) Get(ctx context.Context, key string) (*models.Response, bool) {
	cfg := s.config()
	if !cfg.Enabled {
		return nil, false
	}

	data, err := s.redis.Get(ctx, s.entryKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn().Err(err).Str("key", key).Msg("Redis cache get failed")
		} else {
			// Expired by Redis; drop the stale index member.
			s.redis.ZRem(ctx, s.indexKey(), key)
		}
		s.misses.Add(1)
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Invalid cache entry, deleting")
		s.delete(ctx, key)
		s.misses.Add(1)
		return nil, false
	}

	now := s.now()
	if entry.IsExpired(now, cfg.TTL) {
		s.delete(ctx, key)
		s.expirations.Add(1)
		s.misses.Add(1)
		return nil, false
	}

	if err := s.redis.ZAdd(ctx, s.indexKey(), redis.Z{
		Score:  float64(now.UnixNano()),
		Member: key,
	}).Err(); err != nil {
		s.logger.Debug().Err(err).Str("key", key).Msg("Failed to refresh cache recency")
	}

	s.hits.Add(1)
	return entry.Value, true
}

// Set stores a response with the configured TTL and trims the store to capacity.
func (s *RedisStore) Set(ctx context.Context, key string, value *models.Response) {
	cfg := s.config()
	if !cfg.Enabled || value == nil {
		return
	}

	now := s.now()
	data, err := json.Marshal(NewEntry(value, now))
	if err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Failed to marshal cache entry")
		return
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, s.entryKey(key), data, cfg.TTL)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(now.UnixNano()), Member: key})
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("Redis cache set failed")
		return
	}

	if err := s.trim(ctx, cfg.MaxEntries); err != nil {
		s.logger.Warn().Err(err).Msg("Redis cache trim failed")
	}
}

func (s *RedisStore) trim(ctx context.Context, capacity int) error {
	evicted, err := trimScript.Run(ctx, s.redis, []string{s.indexKey()}, capacity, s.prefix+"entry:").Int64()
	if err != nil {
		return fmt.Errorf("trim: %w", err)
	}
	if evicted > 0 {
		s.evictions.Add(uint64(evicted))
	}
	return nil
}

func (s *RedisStore) delete(ctx context.Context, key string) {
	pipe := s.redis.Pipeline()
	pipe.Del(ctx, s.entryKey(key))
	pipe.ZRem(ctx, s.indexKey(), key)
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Debug().Err(err).Str("key", key).Msg("Redis cache delete failed")
	}
}

// Clear removes every entry written under this store's prefix.
func (s *RedisStore) Clear(ctx context.Context) error {
	members, err := s.redis.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("redis zrange: %w", err)
	}

	keys := make([]string, 0, len(members)+1)
	for _, member := range members {
		keys = append(keys, s.entryKey(member))
	}
	keys = append(keys, s.indexKey())

	if err := s.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Configure applies a new configuration. A lower capacity is enforced
// immediately; disabling leaves existing keys to expire.
func (s *RedisStore) Configure(cfg Config) {
	cfg = cfg.normalized()

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()

	if cfg.Enabled {
		if err := s.trim(context.Background(), cfg.MaxEntries); err != nil {
			s.logger.Warn().Err(err).Msg("Redis cache trim failed")
		}
	}
}

// Stats returns the store counters. Size counts index members and may include
// entries Redis has expired but no lookup has observed yet.
func (s *RedisStore) Stats(ctx context.Context) Stats {
	cfg := s.config()

	size, err := s.redis.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		s.logger.Debug().Err(err).Msg("Redis cache size lookup failed")
	}

	return Stats{
		Backend:     "redis",
		Enabled:     cfg.Enabled,
		Size:        int(size),
		Capacity:    cfg.MaxEntries,
		TTL:         cfg.TTL,
		Hits:        s.hits.Load(),
		Misses:      s.misses.Load(),
		Evictions:   s.evictions.Load(),
		Expirations: s.expirations.Load(),
	}
}
