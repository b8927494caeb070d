package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisOpTimeout bounds every cache operation so a slow or unreachable Redis
// cannot stall request handling. The CacheStore interface is synchronous and
// errorless: any failure is treated as a cache miss.
const redisOpTimeout = 250 * time.Millisecond

// NewRedisClient connects to Redis at the given URL
// (redis://[user:password@]host:port/db) and verifies the connection with a
// ping before returning.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// RedisCacheStore is a CacheStore backed by Redis, for deployments that run
// more than one API replica and want cache hits shared across them. The
// single-replica default remains InMemoryCacheStore.
type RedisCacheStore struct {
	client *redis.Client
	prefix string
}

// NewRedisCacheStore wraps an existing Redis client. All keys are namespaced
// under prefix so Clear cannot touch keys owned by other subsystems.
func NewRedisCacheStore(client *redis.Client, prefix string) *RedisCacheStore {
	if prefix == "" {
		prefix = "caremar:httpcache:"
	}
	return &RedisCacheStore{client: client, prefix: prefix}
}

// Get retrieves a value from Redis. Connection errors surface as misses.
func (s *RedisCacheStore) Get(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		return nil, false
	}
	return data, true
}

// Set stores a value with the given TTL. Redis handles expiration itself, so
// unlike the in-memory store there is no cleanup goroutine to run.
func (s *RedisCacheStore) Set(key string, value []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	s.client.Set(ctx, s.prefix+key, value, ttl)
}

// Delete removes a single entry.
func (s *RedisCacheStore) Delete(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	s.client.Del(ctx, s.prefix+key)
}

// Clear removes all entries under the store's prefix. It scans rather than
// using KEYS so large caches do not block the Redis server.
func (s *RedisCacheStore) Clear() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		s.client.Del(ctx, iter.Val())
	}
}
