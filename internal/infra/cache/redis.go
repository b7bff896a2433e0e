package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"tg-forward-bot/internal/domain"
	"tg-forward-bot/internal/infra/metrics"
)

const keyPrefix = "tgfwd:relay:"

// RedisGuard реализует domain.RelayGuard через Redis SETNX.
type RedisGuard struct {
	client *redis.Client
}

var _ domain.RelayGuard = (*RedisGuard)(nil)

// NewRedis создаёт guard поверх клиента Redis.
func NewRedis(client *redis.Client) *RedisGuard {
	return &RedisGuard{client: client}
}

// Connect подключается к Redis и проверяет соединение.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// Once выполняет функцию, если ключ ещё не задан. При ошибке fn ключ освобождается.
func (g *RedisGuard) Once(ctx context.Context, key string, ttl time.Duration, fn func() error) error {
	start := time.Now()
	ok, err := g.client.SetNX(ctx, keyPrefix+key, "1", ttl).Result()
	metrics.ObserveNetworkRequest("redis", "setnx", "relay_guard", start, err)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := fn(); err != nil {
		_ = g.client.Del(context.WithoutCancel(ctx), keyPrefix+key).Err()
		return err
	}
	return nil
}
