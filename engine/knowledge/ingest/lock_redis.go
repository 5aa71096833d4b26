package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sethvargo/go-retry"

	"github.com/aikb/aikb/pkg/logger"
)

const defaultLockPoll = 100 * time.Millisecond

// releaseScript deletes the key only while it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the ttl only while the key still carries our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker serializes parents across processes with SET NX PX. Held locks
// are renewed every ttl/3 until Unlock.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	poll   time.Duration
}

var _ Locker = (*RedisLocker)(nil)

func NewRedisLocker(client redis.UniversalClient, prefix string, poll time.Duration) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("ingest: redis client is required")
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "aikb"
	}
	if poll <= 0 {
		poll = defaultLockPoll
	}
	return &RedisLocker{client: client, prefix: prefix, poll: poll}, nil
}

func (r *RedisLocker) key(name string) string {
	return r.prefix + ":lock:" + name
}

// Lock polls until the key is free or ctx is done.
func (r *RedisLocker) Lock(ctx context.Context, name string, ttl time.Duration) (Lock, error) {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	key := r.key(name)
	token := uuid.NewString()
	backoff := retry.WithCappedDuration(10*r.poll, retry.NewExponential(r.poll))
	attempts := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return fmt.Errorf("ingest: acquire %s: %w", key, err)
		}
		if !ok {
			return retry.RetryableError(ErrLockNotAcquired)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Debug("Acquired distributed lock", "key", key, "ttl", ttl, "attempts", attempts)
	l := &redisLock{
		client: r.client,
		key:    key,
		token:  token,
		ttl:    ttl,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		lost:   make(chan struct{}),
	}
	go l.renew(context.WithoutCancel(ctx))
	return l, nil
}

type redisLock struct {
	client   redis.UniversalClient
	key      string
	token    string
	ttl      time.Duration
	stop     chan struct{}
	done     chan struct{}
	lost     chan struct{}
	stopOnce sync.Once
}

// renew keeps the key alive until Unlock. The lock counts as lost when the
// token no longer matches or no renewal succeeded for a whole ttl.
func (l *redisLock) renew(ctx context.Context) {
	defer close(l.done)
	log := logger.FromContext(ctx).With("key", l.key)
	ticker := time.NewTicker(max(l.ttl/3, time.Millisecond))
	defer ticker.Stop()
	renewed := time.Now()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			err := l.Refresh(ctx)
			switch {
			case err == nil:
				renewed = time.Now()
			case errors.Is(err, ErrLockNotHeld):
				log.Warn("Distributed lock lost")
				close(l.lost)
				return
			case time.Since(renewed) >= l.ttl:
				log.Warn("Distributed lock expired without renewal", "error", err)
				close(l.lost)
				return
			default:
				log.Debug("Lock renewal failed, retrying", "error", err)
			}
		}
	}
}

// Refresh resets the ttl of a held lock.
func (l *redisLock) Refresh(ctx context.Context) error {
	n, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("ingest: renew %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLockNotHeld, l.key)
	}
	return nil
}

func (l *redisLock) Done() <-chan struct{} {
	return l.lost
}

func (l *redisLock) Unlock(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("ingest: release %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrLockNotHeld, l.key)
	}
	return nil
}
