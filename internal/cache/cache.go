// cache предоставляет минимальный контракт разделяемого TTL key-value кэша
// и его реализацию поверх Redis. Кэш используется двумя потребителями:
// счётчиками неудачных входов (lockout) и брокером делегированных кредов (upstream).
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache — контракт разделяемого TTL-кэша.
// Все операции атомарны на уровне одного ключа (гарантия Redis).
type Cache interface {
	// Get возвращает значение и признак его наличия в кэше.
	Get(ctx context.Context, key string) (string, bool, error)
	// SetWithTTL сохраняет значение с ограниченным временем жизни.
	SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error
	// Incr атомарно инкрементирует целочисленное значение ключа.
	Incr(ctx context.Context, key string) (int64, error)
	// Expire (пере)устанавливает TTL существующего ключа.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Delete удаляет ключи.
	Delete(ctx context.Context, keys ...string) error
	// TTL возвращает остаточное время жизни ключа; 0 — ключа нет или TTL не задан.
	TTL(ctx context.Context, key string) (time.Duration, error)
	// Close закрывает клиент.
	Close() error
}

type redisCache struct {
	rdb *redis.Client
}

// NewRedisCache создаёт клиент Redis из URL (например, redis://:pass@host:6379/0).
func NewRedisCache(redisURL string) (Cache, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(opt)

	// Fail-fast на старте.
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}

	return &redisCache{rdb: rdb}, nil
}

// NewFromClient оборачивает готовый клиент Redis (используется в тестах с miniredis).
func NewFromClient(rdb *redis.Client) Cache {
	return &redisCache{rdb: rdb}
}

func (c *redisCache) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}

		return "", false, err
	}

	return v, true, nil
}

func (c *redisCache) SetWithTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

func (c *redisCache) Incr(ctx context.Context, key string) (int64, error) {
	return c.rdb.Incr(ctx, key).Result()
}

func (c *redisCache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, key, ttl).Err()
}

func (c *redisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	return c.rdb.Del(ctx, keys...).Err()
}

func (c *redisCache) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.rdb.TTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}

	// Redis возвращает -1 (нет TTL) и -2 (нет ключа).
	if d < 0 {
		return 0, nil
	}

	return d, nil
}

func (c *redisCache) Close() error { return c.rdb.Close() }
