package ingest

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultLockTTL bounds how long a crashed holder can block a parent.
const DefaultLockTTL = 2 * time.Minute

var (
	ErrLockNotAcquired = errors.New("ingest: lock not acquired")
	ErrLockNotHeld     = errors.New("ingest: lock no longer held")
)

// Locker provides mutual exclusion keyed by parent id.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// Lock represents an acquired lock. Done is closed when the lock is lost
// before Unlock, for example after a failed renewal. A nil channel means the
// lock cannot be lost.
type Lock interface {
	Unlock(ctx context.Context) error
	Done() <-chan struct{}
}

type lockEntry struct {
	sem  chan struct{}
	refs int
}

// MemoryLocker is an in-process keyed mutex. Entries are reference counted
// and removed once no caller holds or waits on them. The ttl is ignored.
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

var _ Locker = (*MemoryLocker)(nil)

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{entries: make(map[string]*lockEntry)}
}

func (m *MemoryLocker) Lock(ctx context.Context, key string, _ time.Duration) (Lock, error) {
	m.mu.Lock()
	entry, ok := m.entries[key]
	if !ok {
		entry = &lockEntry{sem: make(chan struct{}, 1)}
		m.entries[key] = entry
	}
	entry.refs++
	m.mu.Unlock()

	select {
	case entry.sem <- struct{}{}:
		return &memoryLock{locker: m, key: key, entry: entry}, nil
	case <-ctx.Done():
		m.release(key, entry)
		return nil, ctx.Err()
	}
}

// Len reports the number of keys currently held or awaited.
func (m *MemoryLocker) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MemoryLocker) release(key string, entry *lockEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(m.entries, key)
	}
}

type memoryLock struct {
	locker *MemoryLocker
	key    string
	entry  *lockEntry
	once   sync.Once
}

func (l *memoryLock) Done() <-chan struct{} {
	return nil
}

func (l *memoryLock) Unlock(context.Context) error {
	released := false
	l.once.Do(func() {
		<-l.entry.sem
		l.locker.release(l.key, l.entry)
		released = true
	})
	if !released {
		return ErrLockNotHeld
	}
	return nil
}
