// Package idempotency implements the pending-lock plus response-replay
// protocol on Redis.
//
// Key layout: idem:{key} holds either the sentinel "pending" with a short
// TTL, or the committed response bytes with the replay TTL. SET NX arbitrates
// concurrent submits; the pending TTL bounds how long a crashed submit can
// block retries.
package idempotency

import (
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-video-studio/internal/domain"
)

const pendingSentinel = "\x00pending"

// RedisStore implements domain.IdempotencyStore.
type RedisStore struct {
	client     *redis.Client
	pendingTTL time.Duration
	replayTTL  time.Duration
}

// NewRedisStore constructs a RedisStore. pendingTTL bounds the lock held by
// an in-flight submit; replayTTL bounds how long committed responses replay.
func NewRedisStore(client *redis.Client, pendingTTL, replayTTL time.Duration) *RedisStore {
	return &RedisStore{client: client, pendingTTL: pendingTTL, replayTTL: replayTTL}
}

func keyFor(key string) string { return "idem:" + key }

// Acquire takes the pending lock or reports the existing state. AcquireWon
// obligates the caller to Commit or Abort.
func (s *RedisStore) Acquire(ctx domain.Context, key string) (domain.AcquireOutcome, []byte, error) {
	ok, err := s.client.SetNX(ctx, keyFor(key), pendingSentinel, s.pendingTTL).Result()
	if err != nil {
		return 0, nil, fmt.Errorf("op=idempotency.acquire: %w", err)
	}
	if ok {
		return domain.AcquireWon, nil, nil
	}
	val, err := s.client.Get(ctx, keyFor(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// The pending entry expired between SetNX and Get; treat as busy,
			// the caller retries.
			return domain.AcquireBusy, nil, nil
		}
		return 0, nil, fmt.Errorf("op=idempotency.acquire: %w", err)
	}
	if string(val) == pendingSentinel {
		return domain.AcquireBusy, nil, nil
	}
	return domain.AcquireReplay, val, nil
}

// Commit replaces the pending lock with the response for the replay window.
func (s *RedisStore) Commit(ctx domain.Context, key string, response []byte) error {
	if err := s.client.Set(ctx, keyFor(key), response, s.replayTTL).Err(); err != nil {
		return fmt.Errorf("op=idempotency.commit: %w", err)
	}
	return nil
}

// Abort releases the pending lock so a retry can proceed immediately.
func (s *RedisStore) Abort(ctx domain.Context, key string) error {
	if err := s.client.Del(ctx, keyFor(key)).Err(); err != nil {
		return fmt.Errorf("op=idempotency.abort: %w", err)
	}
	return nil
}
