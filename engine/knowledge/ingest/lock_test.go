package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLocker(t *testing.T) {
	t.Run("Should block a second holder until release", func(t *testing.T) {
		locker := NewMemoryLocker()
		first, err := locker.Lock(t.Context(), "p", 0)
		require.NoError(t, err)

		acquired := make(chan Lock, 1)
		go func() {
			l, err := locker.Lock(context.Background(), "p", 0)
			if err == nil {
				acquired <- l
			}
		}()
		select {
		case <-acquired:
			t.Fatal("second lock acquired while the first was held")
		case <-time.After(20 * time.Millisecond):
		}
		require.NoError(t, first.Unlock(t.Context()))
		select {
		case l := <-acquired:
			require.NoError(t, l.Unlock(t.Context()))
		case <-time.After(time.Second):
			t.Fatal("second lock never acquired")
		}
		assert.Zero(t, locker.Len())
	})
	t.Run("Should not block different keys", func(t *testing.T) {
		locker := NewMemoryLocker()
		a, err := locker.Lock(t.Context(), "a", 0)
		require.NoError(t, err)
		b, err := locker.Lock(t.Context(), "b", 0)
		require.NoError(t, err)
		assert.Equal(t, 2, locker.Len())
		require.NoError(t, a.Unlock(t.Context()))
		require.NoError(t, b.Unlock(t.Context()))
	})
	t.Run("Should give up when the context ends and clean up its entry", func(t *testing.T) {
		locker := NewMemoryLocker()
		held, err := locker.Lock(t.Context(), "p", 0)
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
		defer cancel()
		_, err = locker.Lock(ctx, "p", 0)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		require.NoError(t, held.Unlock(t.Context()))
		assert.Zero(t, locker.Len())
	})
	t.Run("Should reject a double unlock", func(t *testing.T) {
		locker := NewMemoryLocker()
		l, err := locker.Lock(t.Context(), "p", 0)
		require.NoError(t, err)
		require.NoError(t, l.Unlock(t.Context()))
		assert.ErrorIs(t, l.Unlock(t.Context()), ErrLockNotHeld)
	})
}

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker, err := NewRedisLocker(client, "test", 5*time.Millisecond)
	require.NoError(t, err)
	return locker, mr
}

func TestRedisLocker(t *testing.T) {
	t.Run("Should hold the key with a ttl and free it on unlock", func(t *testing.T) {
		locker, mr := newRedisLocker(t)
		l, err := locker.Lock(t.Context(), "doc-1", time.Minute)
		require.NoError(t, err)
		assert.True(t, mr.Exists("test:lock:doc-1"))
		assert.Equal(t, time.Minute, mr.TTL("test:lock:doc-1"))
		require.NoError(t, l.Unlock(t.Context()))
		assert.False(t, mr.Exists("test:lock:doc-1"))
	})
	t.Run("Should wait for the holder to release", func(t *testing.T) {
		locker, _ := newRedisLocker(t)
		first, err := locker.Lock(t.Context(), "doc", time.Minute)
		require.NoError(t, err)
		go func() {
			time.Sleep(30 * time.Millisecond)
			_ = first.Unlock(context.Background())
		}()
		ctx, cancel := context.WithTimeout(t.Context(), 2*time.Second)
		defer cancel()
		second, err := locker.Lock(ctx, "doc", time.Minute)
		require.NoError(t, err)
		require.NoError(t, second.Unlock(t.Context()))
	})
	t.Run("Should stop waiting when the context ends", func(t *testing.T) {
		locker, _ := newRedisLocker(t)
		held, err := locker.Lock(t.Context(), "doc", time.Minute)
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(t.Context(), 30*time.Millisecond)
		defer cancel()
		_, err = locker.Lock(ctx, "doc", time.Minute)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
		require.NoError(t, held.Unlock(t.Context()))
	})
	t.Run("Should not release a lock taken over after expiry", func(t *testing.T) {
		locker, mr := newRedisLocker(t)
		stale, err := locker.Lock(t.Context(), "doc", time.Second)
		require.NoError(t, err)
		mr.FastForward(2 * time.Second)
		fresh, err := locker.Lock(t.Context(), "doc", time.Minute)
		require.NoError(t, err)

		assert.ErrorIs(t, stale.Unlock(t.Context()), ErrLockNotHeld)
		assert.True(t, mr.Exists("test:lock:doc"))
		require.NoError(t, fresh.Unlock(t.Context()))
	})
	t.Run("Should renew the ttl while held", func(t *testing.T) {
		locker, mr := newRedisLocker(t)
		ttl := 150 * time.Millisecond
		l, err := locker.Lock(t.Context(), "doc", ttl)
		require.NoError(t, err)
		mr.FastForward(100 * time.Millisecond)
		assert.Eventually(t, func() bool {
			return mr.TTL("test:lock:doc") > 100*time.Millisecond
		}, 2*time.Second, 10*time.Millisecond)
		select {
		case <-l.Done():
			t.Fatal("renewed lock reported as lost")
		default:
		}
		require.NoError(t, l.Unlock(t.Context()))
		assert.False(t, mr.Exists("test:lock:doc"))
	})
	t.Run("Should signal Done once the key expired under the holder", func(t *testing.T) {
		locker, mr := newRedisLocker(t)
		l, err := locker.Lock(t.Context(), "doc", 150*time.Millisecond)
		require.NoError(t, err)
		mr.FastForward(time.Second)
		select {
		case <-l.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("lost lock was not reported")
		}
		assert.ErrorIs(t, l.Unlock(t.Context()), ErrLockNotHeld)
	})
	t.Run("Should never signal Done for in-process locks", func(t *testing.T) {
		l, err := NewMemoryLocker().Lock(t.Context(), "doc", 0)
		require.NoError(t, err)
		assert.Nil(t, l.Done())
		require.NoError(t, l.Unlock(t.Context()))
	})
}
