package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "identity:lock:"

// releaseScript deletes the key only while it still holds our token, so an
// expired lock taken over by another instance is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a distributed Locker for deployments with more than one instance.
// Each key is a SET NX PX entry holding a random token.
type Redis struct {
	client redis.UniversalClient
	ttl    time.Duration
	wait   time.Duration
	logger *slog.Logger
}

// NewRedis builds a Redis locker. ttl bounds how long a crashed holder can
// block others; wait bounds how long Lock polls for a busy key.
func NewRedis(client redis.UniversalClient, ttl, wait time.Duration, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, ttl: ttl, wait: wait, logger: logger}
}

// Lock implements Locker. A key still busy after the wait budget yields
// ErrTimeout; a Redis failure is returned wrapped.
func (r *Redis) Lock(ctx context.Context, keys []string) (Unlock, error) {
	keys = normalize(keys)
	token := uuid.NewString()
	held := make([]string, 0, len(keys))

	for _, key := range keys {
		if err := r.acquire(ctx, redisKeyPrefix+key, token); err != nil {
			r.release(held, token)
			return nil, err
		}
		held = append(held, redisKeyPrefix+key)
	}

	return func() { r.release(held, token) }, nil
}

func (r *Redis) acquire(ctx context.Context, key, token string) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 200 * time.Millisecond
	policy.MaxElapsedTime = r.wait

	op := func() error {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("redis lock %s: %w", key, err))
		}
		if !ok {
			return ErrTimeout
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(policy, ctx))
	if err != nil && ctx.Err() != nil && !errors.Is(err, ErrTimeout) {
		return ctx.Err()
	}
	return err
}

func (r *Redis) release(keys []string, token string) {
	// Release must outlive a cancelled request context.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := len(keys) - 1; i >= 0; i-- {
		if err := releaseScript.Run(ctx, r.client, []string{keys[i]}, token).Err(); err != nil {
			r.logger.Warn("release identifier lock",
				slog.String("key", keys[i]),
				slog.String("error", err.Error()),
			)
		}
	}
}
