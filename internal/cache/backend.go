package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Backend is the shared key-value state behind the response cache. Each
// method is a single round-trip; multi-key operations must be atomic
// (MULTI/EXEC or equivalent).
type Backend interface {
	// Get returns the payload stored under key; found is false on a miss.
	Get(ctx context.Context, key string) (payload string, found bool, err error)
	// Store writes payload under key with ttl and adds key to every index
	// set, refreshing each set's expiry to indexTTL.
	Store(ctx context.Context, key, payload string, ttl time.Duration, indexKeys []string, indexTTL time.Duration) error
	// Members returns the union of the members of the index sets.
	Members(ctx context.Context, indexKeys []string) ([]string, error)
	// Evict deletes keys and removes them from every index set. The index
	// sets themselves are not deleted.
	Evict(ctx context.Context, keys []string, indexKeys []string) error
	Ping(ctx context.Context) error
	Close() error
}

// RedisConfig holds connection settings for the Redis backend.
type RedisConfig struct {
	Addr     string
	DB       int
	Password string
}

// RedisBackend implements Backend on Redis.
type RedisBackend struct {
	rdb    redis.UniversalClient
	logger zerolog.Logger
}

var _ Backend = (*RedisBackend)(nil)

// NewRedis dials a single-node Redis client.
func NewRedis(cfg RedisConfig, logger zerolog.Logger) *RedisBackend {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		DB:       cfg.DB,
		Password: cfg.Password,
	})
	return NewRedisFromClient(rdb, logger)
}

// NewRedisFromClient wraps an existing client (cluster, sentinel, tests).
func NewRedisFromClient(rdb redis.UniversalClient, logger zerolog.Logger) *RedisBackend {
	return &RedisBackend{rdb: rdb, logger: logger.With().Str("component", "redis").Logger()}
}

// Ping checks connectivity.
func (r *RedisBackend) Ping(ctx context.Context) error {
	err := r.rdb.Ping(ctx).Err()
	if err != nil {
		r.logger.Error().Err(err).Msg("PING failed")
	} else {
		r.logger.Debug().Msg("PING ok")
	}
	return err
}

// Close releases the connection pool.
func (r *RedisBackend) Close() error {
	if r.rdb == nil {
		return nil
	}
	return r.rdb.Close()
}

// Get implements Backend.
func (r *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	s, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return s, true, nil
}

// Store implements Backend with SETEX + SADD/EXPIRE per index set in one
// transaction.
func (r *RedisBackend) Store(ctx context.Context, key, payload string, ttl time.Duration, indexKeys []string, indexTTL time.Duration) error {
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.SetEx(ctx, key, payload, ttl)
		for _, ik := range indexKeys {
			p.SAdd(ctx, ik, key)
			p.Expire(ctx, ik, indexTTL)
		}
		return nil
	})
	return err
}

// Members implements Backend with one SMEMBERS per index set in one
// transaction.
func (r *RedisBackend) Members(ctx context.Context, indexKeys []string) ([]string, error) {
	if len(indexKeys) == 0 {
		return nil, nil
	}
	cmds := make([]*redis.StringSliceCmd, len(indexKeys))
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for i, ik := range indexKeys {
			cmds[i] = p.SMembers(ctx, ik)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	var out []string
	for _, c := range cmds {
		out = append(out, c.Val()...)
	}
	return dedupe(out), nil
}

// Evict implements Backend with DEL + SREM per index set in one transaction.
func (r *RedisBackend) Evict(ctx context.Context, keys []string, indexKeys []string) error {
	if len(keys) == 0 {
		return nil
	}
	members := make([]any, len(keys))
	for i, k := range keys {
		members[i] = k
	}
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, keys...)
		for _, ik := range indexKeys {
			p.SRem(ctx, ik, members...)
		}
		return nil
	})
	return err
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
