package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// DefaultRedisPrefix namespaces every key written by RedisStorage
const DefaultRedisPrefix = "offline-proxy"

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (e.g., "redis://localhost:6379" or "redis://:password@host:6379/0")
	URL string

	// Prefix namespaces the keys (defaults to "offline-proxy")
	Prefix string
}

// RedisStorage implements Storage on Redis, for proxies sharing one cache.
// Each generation is a hash (field = request key, value = serialized entry)
// and a set records the known generation names.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

type redisGeneration struct {
	storage *RedisStorage
	name    string
}

// NewRedis connects to Redis and verifies the connection
func NewRedis(ctx context.Context, cfg RedisConfig) (*RedisStorage, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logrus.Infof("Redis cache storage connected (%s)", opts.Addr)
	return NewRedisFromClient(client, cfg.Prefix), nil
}

// NewRedisFromClient wraps an existing client
func NewRedisFromClient(client *redis.Client, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStorage{client: client, prefix: prefix}
}

func (r *RedisStorage) registryKey() string {
	return r.prefix + ":generations"
}

func (r *RedisStorage) generationKey(name string) string {
	return r.prefix + ":generation:" + name
}

func (r *RedisStorage) Open(ctx context.Context, name string) (Generation, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := r.client.SAdd(ctx, r.registryKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("failed to register generation in redis: %w", err)
	}
	return &redisGeneration{storage: r, name: name}, nil
}

func (r *RedisStorage) Lookup(ctx context.Context, name string) (Generation, bool, error) {
	ok, err := r.client.SIsMember(ctx, r.registryKey(), name).Result()
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up generation in redis: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	return &redisGeneration{storage: r, name: name}, true, nil
}

func (r *RedisStorage) Names(ctx context.Context) ([]string, error) {
	names, err := r.client.SMembers(ctx, r.registryKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list generations from redis: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

func (r *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.generationKey(name))
		removed = pipe.SRem(ctx, r.registryKey(), name)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete generation from redis: %w", err)
	}
	return removed.Val() > 0, nil
}

// Close closes the Redis connection.
func (r *RedisStorage) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

func (g *redisGeneration) Name() string {
	return g.name
}

func (g *redisGeneration) Match(ctx context.Context, key string) (*Entry, error) {
	data, err := g.storage.client.HGet(ctx, g.storage.generationKey(g.name), key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get entry from redis: %w", err)
	}
	return Deserialize(data)
}

func (g *redisGeneration) Put(ctx context.Context, key string, entry *Entry) error {
	data, err := Serialize(entry)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}

	_, err = g.storage.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, g.storage.generationKey(g.name), key, data)
		pipe.SAdd(ctx, g.storage.registryKey(), g.name)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set entry in redis: %w", err)
	}
	return nil
}
