package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/spherical/academic-illustrator/internal/domain"
	"github.com/spherical/academic-illustrator/internal/observability"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// RedisStore keeps values in Redis under a key prefix.
type RedisStore struct {
	client *redis.Client
	prefix string
	logger *observability.Logger
}

// NewRedisStore connects to Redis and checks the connection.
func NewRedisStore(cfg RedisConfig, logger *observability.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: 1,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return newRedisStore(client, cfg.Prefix, logger), nil
}

func newRedisStore(client *redis.Client, prefix string, logger *observability.Logger) *RedisStore {
	if prefix == "" {
		prefix = "illustrator:"
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
		logger: logger.WithComponent("redis-store"),
	}
}

// Get returns the stored value. Any failure is logged and reported as absent.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool) {
	val, err := s.client.Get(context.WithoutCancel(ctx), s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false
	}
	if err != nil {
		s.logger.Warn().Err(domain.StorageReadError(key, err)).Msg("Read failed, treating record as absent")
		return "", false
	}
	return val, true
}

// Set stores a value without expiry.
func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(context.WithoutCancel(ctx), s.prefix+key, value, 0).Err(); err != nil {
		return domain.StorageWriteError(key, "set failed", err)
	}
	return nil
}

// Remove deletes the key.
func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(context.WithoutCancel(ctx), s.prefix+key).Err(); err != nil {
		return domain.StorageWriteError(key, "remove failed", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
