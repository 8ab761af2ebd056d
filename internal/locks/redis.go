package locks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPoll = 100 * time.Millisecond
	// Redis keys always expire. A crashed holder must not wedge a key
	// across the whole fleet, so a zero lease falls back to this TTL.
	defaultSafetyTTL = 30 * time.Second
)

// unlockScript deletes the key only when the stored token is ours, so
// an Unlock that lost its lease cannot free the next holder.
var unlockScript = redis.NewScript(
	`if redis.call("get", KEYS[1]) == ARGV[1] then return redis.call("del", KEYS[1]) else return 0 end`)

// RedisLocker is a Locker backed by a shared Redis, for running more
// than one ingest process against the same fleet. Acquisition polls
// SET NX at a small interval.
type RedisLocker struct {
	client *redis.Client
	prefix string
	poll   time.Duration

	mu     sync.Mutex
	tokens map[string]string
}

var _ Locker = (*RedisLocker)(nil)

func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	return &RedisLocker{
		client: client,
		prefix: prefix,
		poll:   defaultPoll,
		tokens: make(map[string]string),
	}
}

func (r *RedisLocker) Lock(ctx context.Context, key string, lease time.Duration) error {
	if lease <= 0 {
		lease = defaultSafetyTTL
	}
	k := r.prefix + key
	token := uuid.NewString()
	for {
		ok, err := r.client.SetNX(ctx, k, token, lease).Result()
		if err != nil {
			return fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			r.mu.Lock()
			r.tokens[k] = token
			r.mu.Unlock()
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.poll):
		}
	}
}

func (r *RedisLocker) Unlock(ctx context.Context, key string) error {
	k := r.prefix + key
	r.mu.Lock()
	token, ok := r.tokens[k]
	delete(r.tokens, k)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := unlockScript.Run(ctx, r.client, []string{k}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("unlock %s: %w", key, err)
	}
	return nil
}
