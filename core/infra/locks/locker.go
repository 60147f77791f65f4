package locks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cordum/masher/core/infra/logging"
)

const (
	keyPrefix    = "masher:lock:"
	defaultTTL   = 30 * time.Second
	pollInterval = 250 * time.Millisecond
)

// ErrNotHeld is returned when releasing a lease owned by someone else.
var ErrNotHeld = errors.New("lock not held")

// Locker hands out exclusive leases on named resources.
type Locker interface {
	Lock(ctx context.Context, resource string) (func(), error)
}

// RedisLocker stores leases as plain keys with a TTL. A holder renews its
// lease while it works; a crashed holder's lease expires on its own.
type RedisLocker struct {
	client redis.UniversalClient
	owner  string
	ttl    time.Duration
}

// NewRedisLocker returns a locker that acquires leases as owner.
func NewRedisLocker(client redis.UniversalClient, owner string, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisLocker{client: client, owner: strings.TrimSpace(owner), ttl: ttl}
}

func lockKey(resource string) string {
	return keyPrefix + resource
}

// TryAcquire takes the lease if nobody holds it.
func (l *RedisLocker) TryAcquire(ctx context.Context, resource string) (bool, error) {
	if l == nil || l.client == nil {
		return false, fmt.Errorf("lock store unavailable")
	}
	resource = strings.TrimSpace(resource)
	if resource == "" || l.owner == "" {
		return false, fmt.Errorf("resource and owner required")
	}
	return l.client.SetNX(ctx, lockKey(resource), l.owner, l.ttl).Result()
}

// Release drops the lease when it is still ours.
func (l *RedisLocker) Release(ctx context.Context, resource string) error {
	n, err := l.client.Eval(ctx, releaseScript, []string{lockKey(resource)}, l.owner).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Renew extends the lease. It reports false once the lease was lost.
func (l *RedisLocker) Renew(ctx context.Context, resource string) (bool, error) {
	n, err := l.client.Eval(ctx, renewScript, []string{lockKey(resource)}, l.owner, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Lock blocks until the lease is acquired or ctx ends. The returned func
// stops renewal and releases the lease.
func (l *RedisLocker) Lock(ctx context.Context, resource string) (func(), error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		ok, err := l.TryAcquire(ctx, resource)
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", resource, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		renew := time.NewTicker(l.ttl / 3)
		defer renew.Stop()
		for {
			select {
			case <-stop:
				return
			case <-renew.C:
				ok, err := l.Renew(context.Background(), resource)
				if err != nil {
					logging.Warn("locks", "renew failed", "resource", resource, "error", err)
					continue
				}
				if !ok {
					logging.Warn("locks", "lease lost", "resource", resource, "owner", l.owner)
					return
				}
			}
		}
	}()

	return func() {
		close(stop)
		<-done
		if err := l.Release(context.Background(), resource); err != nil && !errors.Is(err, ErrNotHeld) {
			logging.Warn("locks", "release failed", "resource", resource, "error", err)
		}
	}, nil
}

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`
