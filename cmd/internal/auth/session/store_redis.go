package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTokenStore keeps the bearer token under one Redis key with a TTL,
// so expiry is enforced by Redis the way a browser enforces cookie expiry.
type RedisTokenStore struct {
	client *redis.Client
	key    string
}

// NewRedisTokenStore parses redisURL, connects and pings.
func NewRedisTokenStore(ctx context.Context, redisURL, key string) (*RedisTokenStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisTokenStoreWithClient(client, key), nil
}

// NewRedisTokenStoreWithClient wraps an existing client. An empty key defaults to DefaultTokenKey.
func NewRedisTokenStoreWithClient(client *redis.Client, key string) *RedisTokenStore {
	key = strings.TrimSpace(key)
	if key == "" {
		key = DefaultTokenKey
	}
	return &RedisTokenStore{client: client, key: key}
}

func (s *RedisTokenStore) Save(ctx context.Context, token string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key, token, ttl).Err(); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

func (s *RedisTokenStore) Load(ctx context.Context) (string, error) {
	v, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrTokenNotFound
	}
	if err != nil {
		return "", fmt.Errorf("load token: %w", err)
	}
	if strings.TrimSpace(v) == "" {
		return "", ErrTokenNotFound
	}
	return v, nil
}

func (s *RedisTokenStore) Remove(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("remove token: %w", err)
	}
	return nil
}

// TTL reports the remaining lifetime of the persisted token.
func (s *RedisTokenStore) TTL(ctx context.Context) (time.Duration, error) {
	return s.client.TTL(ctx, s.key).Result()
}

// Ping checks if Redis is reachable.
func (s *RedisTokenStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisTokenStore) Close() error {
	return s.client.Close()
}
