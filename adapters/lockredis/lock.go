// Package lockredis implements core/lock.Lock on Redis so the circuit
// breaker (spec §4.4) and chain manager (spec §4.5) can serialize
// mutations across more than one gatewayd instance, the same cross-
// process concern adapters/stateredis solves for the state substrate.
// Acquire/renew/release are each a single atomic Redis operation: SET
// NX PX for acquire, and Lua compare-and-act scripts (grounded on
// adapters/stateredis's compareAndSetScript) for renew/release so a
// lock is never renewed or released by a token that no longer holds it.
package lockredis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/actionforge/gateway/core/lock"
)

type Lock struct {
	client *redis.Client
	prefix string
}

func New(redisURL, prefix string) (*Lock, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("lockredis: invalid redis url: %w", err)
	}

	opt.PoolSize = 10
	opt.MinIdleConns = 2
	opt.MaxRetries = 3
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 5 * time.Second
	opt.WriteTimeout = 5 * time.Second

	client := redis.NewClient(opt)

	var pingErr error
	for attempt := 0; attempt < 3; attempt++ {
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		pingErr = client.Ping(pingCtx).Err()
		cancel()
		if pingErr == nil {
			break
		}
		time.Sleep(time.Duration(attempt+1) * time.Second)
	}
	if pingErr != nil {
		return nil, fmt.Errorf("lockredis: connect after retries: %w", pingErr)
	}

	return &Lock{client: client, prefix: prefix}, nil
}

func (l *Lock) Close() error {
	return l.client.Close()
}

func (l *Lock) key(name string) string {
	return l.prefix + ":lock:" + name
}

func (l *Lock) TryAcquire(ctx context.Context, name string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key(name), token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("lockredis: acquire: %w", err)
	}
	if !ok {
		return "", lock.ErrAlreadyHeld
	}
	return token, nil
}

// renewScript extends the TTL only if value still equals the caller's
// token, so a lease that expired and was re-acquired by someone else is
// never silently extended under the old holder's name.
var renewScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
return 0
`)

func (l *Lock) Renew(ctx context.Context, name, token string, ttl time.Duration) error {
	res, err := renewScript.Run(ctx, l.client, []string{l.key(name)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("lockredis: renew: %w", err)
	}
	if res == 0 {
		return lock.ErrNotHeld
	}
	return nil
}

// releaseScript deletes the key only if it still belongs to token
// (Redis's canonical SET-NX-DEL lock pattern), matching Release's "stale
// token is an error, already-expired lock is a no-op" contract.
var releaseScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == false then
	return 2
end
if current == ARGV[1] then
	redis.call("DEL", KEYS[1])
	return 1
end
return 0
`)

func (l *Lock) Release(ctx context.Context, name, token string) error {
	res, err := releaseScript.Run(ctx, l.client, []string{l.key(name)}, token).Int()
	if err != nil {
		return fmt.Errorf("lockredis: release: %w", err)
	}
	if res == 0 {
		return lock.ErrNotHeld
	}
	return nil
}

var _ lock.Lock = (*Lock)(nil)
