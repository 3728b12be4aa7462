package embed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCache is a Cache backed by Redis. Vectors are stored as JSON arrays.
type RedisCache struct {
	client *redis.Client
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache connects to addr and verifies the connection.
func NewRedisCache(ctx context.Context, addr, password string, db int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}
	return &RedisCache{client: client}, nil
}

// Close closes the Redis client.
func (r *RedisCache) Close() error {
	return r.client.Close()
}

// Get implements Cache.
func (r *RedisCache) Get(ctx context.Context, key string) ([]float32, bool, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var vec []float32
	if err := json.Unmarshal(data, &vec); err != nil {
		return nil, false, fmt.Errorf("decode cached embedding: %w", err)
	}
	return vec, true, nil
}

// Set implements Cache.
func (r *RedisCache) Set(ctx context.Context, key string, vec []float32, ttl time.Duration) error {
	data, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("encode embedding: %w", err)
	}
	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
