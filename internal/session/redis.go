package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"portal-gateway/internal/conf"
)

// Default timeouts for Redis operations.
const (
	defaultDialTimeout  = 5 * time.Second
	defaultReadTimeout  = 3 * time.Second
	defaultWriteTimeout = 3 * time.Second
)

// redisStore is the production session store. One JSON record per session
// key; SET replaces the whole value, which gives the atomic token update the
// refresh protocol relies on across replicas.
type redisStore struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg conf.Redis, ttl time.Duration) (Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  defaultDialTimeout,
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &redisStore{client: client, keyPrefix: cfg.KeyPrefix, ttl: ttl}, nil
}

func (s *redisStore) Get(ctx context.Context, key string) (*AuthState, error) {
	data, err := s.client.Get(ctx, s.keyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session: %w", err)
	}
	return decodeAuthState(data)
}

func (s *redisStore) New(ctx context.Context, auth *AuthState) (string, error) {
	key := uuid.NewString()
	if err := s.Set(ctx, key, auth); err != nil {
		return "", err
	}
	return key, nil
}

func (s *redisStore) Set(ctx context.Context, key string, auth *AuthState) error {
	data, err := encodeAuthState(auth)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.keyPrefix+key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}
