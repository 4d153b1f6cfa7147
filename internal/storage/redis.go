package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps snapshots as plain string values under "<prefix>:<key>".
// A single SET is atomic, so readers see either the old or the new snapshot.
type RedisStore struct {
	client *redis.Client
	addr   string
	prefix string
}

func NewRedisStore(redisAddr, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{
		client: client,
		addr:   redisAddr,
		prefix: prefix,
	}, nil
}

func (s *RedisStore) Location() string {
	return RedisLocation(s.addr, s.prefix)
}

func (s *RedisStore) key(key string) string {
	return s.prefix + ":" + key
}

func (s *RedisStore) WriteSnapshot(ctx context.Context, key string, data []byte) error {
	return s.client.Set(ctx, s.key(key), data, 0).Err()
}

func (s *RedisStore) ReadSnapshot(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
