package kvstore

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
	redis "github.com/redis/go-redis/v9"
)

// RedisStore keeps each record as a plain Redis string without expiry.
type RedisStore struct {
	inner *redis.Client
}

func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "parse redis url")
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, pkgerrors.Wrap(err, "ping redis")
	}
	return &RedisStore{inner: client}, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.inner.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, pkgerrors.Wrapf(err, "get %q", key)
	}
	return v, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := s.inner.Set(ctx, key, value, 0).Err(); err != nil {
		return pkgerrors.Wrapf(err, "set %q", key)
	}
	return nil
}

func (s *RedisStore) Close() error {
	if s == nil || s.inner == nil {
		return nil
	}
	return s.inner.Close()
}
