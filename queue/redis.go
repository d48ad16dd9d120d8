package queue

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs the queue with Redis lists and TTL'd string keys.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to the given URL (redis://...) and verifies the
// connection.
func NewRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisStore{client: client}, nil
}

// Close releases the underlying connection pool.
func (r *RedisStore) Close() error { return r.client.Close() }

func (r *RedisStore) Push(ctx context.Context, key string, value []byte) error {
	return r.client.RPush(ctx, key, value).Err()
}

func (r *RedisStore) PushFront(ctx context.Context, key string, value []byte) error {
	return r.client.LPush(ctx, key, value).Err()
}

func (r *RedisStore) Pop(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.LPop(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (r *RedisStore) BPop(ctx context.Context, keys []string, timeout time.Duration) (string, []byte, error) {
	res, err := r.client.BLPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, err
	}
	if len(res) != 2 {
		return "", nil, nil
	}
	return res[0], []byte(res[1]), nil
}

func (r *RedisStore) Len(ctx context.Context, key string) (int64, error) {
	return r.client.LLen(ctx, key).Result()
}

func (r *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := r.client.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, batch...)
		if next == 0 {
			return keys, nil
		}
		cursor = next
	}
}
