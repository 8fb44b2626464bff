// Package lock provides the mutual exclusion used by background sweeps so
// that only one process reconciles and retries at a time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned when releasing a lock that expired or was taken over.
var ErrNotHeld = errors.New("lock: not held")

// Locker acquires named leases.
type Locker interface {
	// TryAcquire returns a release func and true when the lease was taken.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error)
}

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a lease lock backed by SET NX PX.
type Redis struct {
	client redis.Cmdable
	prefix string
}

// NewRedis creates a Redis locker. Keys are namespaced under prefix.
func NewRedis(client redis.Cmdable, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// TryAcquire implements Locker.
func (r *Redis) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	full := r.prefix + key
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, full, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock %s: %w", full, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		n, err := releaseScript.Run(ctx, r.client, []string{full}, token).Int64()
		if err != nil {
			return fmt.Errorf("unlock %s: %w", full, err)
		}
		if n == 0 {
			return ErrNotHeld
		}
		return nil
	}
	return release, true, nil
}

// Local is a process-local Locker for single-instance deployments.
type Local struct {
	mu   sync.Mutex
	held map[string]time.Time
	now  func() time.Time
}

// NewLocal creates a process-local locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]time.Time), now: time.Now}
}

// TryAcquire implements Locker. Leases expire after ttl like their Redis counterpart.
func (l *Local) TryAcquire(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if exp, ok := l.held[key]; ok && now.Before(exp) {
		return nil, false, nil
	}
	exp := now.Add(ttl)
	l.held[key] = exp
	release := func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if cur, ok := l.held[key]; !ok || !cur.Equal(exp) {
			return ErrNotHeld
		}
		delete(l.held, key)
		return nil
	}
	return release, true, nil
}
