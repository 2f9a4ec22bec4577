package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"outreach/models"
)

const RedisKeyPrefix = "idem:"

// RedisGuard puts a Redis marker in front of another guard. The marker
// turns away callers whose key is known to be taken without touching the
// claim table; the inner guard stays authoritative. When Redis is
// unavailable every call falls through to the inner guard.
type RedisGuard struct {
	Client       *redis.Client
	Inner        Guard
	CompletedTTL time.Duration
	Logger       logrus.FieldLogger
}

func NewRedisGuard(client *redis.Client, inner Guard, completedTTL time.Duration, logger logrus.FieldLogger) *RedisGuard {
	return &RedisGuard{Client: client, Inner: inner, CompletedTTL: completedTTL, Logger: logger}
}

func (g *RedisGuard) Claim(ctx context.Context, key string, ttl time.Duration) (Result, error) {
	rkey := RedisKeyPrefix + key

	set, err := g.Client.SetNX(ctx, rkey, string(models.IdempotencyProcessing), ttl).Result()
	if err != nil {
		g.Logger.WithError(err).WithField("key", key).Warn("redis claim marker unavailable, using claim table only")
		return g.Inner.Claim(ctx, key, ttl)
	}
	if !set {
		val, err := g.Client.Get(ctx, rkey).Result()
		if err == nil && (val == string(models.IdempotencyProcessing) || val == string(models.IdempotencyCompleted)) {
			return AlreadyClaimed, nil
		}
		if err != nil && !errors.Is(err, redis.Nil) {
			g.Logger.WithError(err).WithField("key", key).Warn("redis marker read failed")
		}
	}

	res, err := g.Inner.Claim(ctx, key, ttl)
	if set && (err != nil || !res.Held()) {
		g.Client.Del(ctx, rkey)
	}
	return res, err
}

func (g *RedisGuard) Complete(ctx context.Context, key string) error {
	if err := g.Inner.Complete(ctx, key); err != nil {
		return err
	}
	if err := g.Client.Set(ctx, RedisKeyPrefix+key, string(models.IdempotencyCompleted), g.CompletedTTL).Err(); err != nil {
		g.Logger.WithError(err).WithField("key", key).Warn("failed to cache completed claim")
	}
	return nil
}

func (g *RedisGuard) Fail(ctx context.Context, key string, reason string) error {
	if err := g.Inner.Fail(ctx, key, reason); err != nil {
		return err
	}
	g.Client.Del(ctx, RedisKeyPrefix+key)
	return nil
}

func (g *RedisGuard) Release(ctx context.Context, key string) error {
	if r, ok := g.Inner.(Releaser); ok {
		if err := r.Release(ctx, key); err != nil {
			return err
		}
	}
	return g.Client.Del(ctx, RedisKeyPrefix+key).Err()
}

func (g *RedisGuard) Cleanup(ctx context.Context) (int64, error) {
	if c, ok := g.Inner.(Cleaner); ok {
		return c.Cleanup(ctx)
	}
	return 0, nil
}
