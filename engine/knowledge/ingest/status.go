package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type State string

const (
	StateSplitting  State = "splitting"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
)

// Status is the latest ingestion progress of one parent. Error is set only
// in StateFailed.
type Status struct {
	ParentID  string    `json:"parentId"`
	State     State     `json:"state"`
	Message   string    `json:"message"`
	Pages     int       `json:"pages,omitempty"`
	Parts     int       `json:"parts,omitempty"`
	Chunks    int       `json:"chunks,omitempty"`
	Error     string    `json:"error,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// StatusStore keeps the last Status per parent.
type StatusStore interface {
	SetStatus(ctx context.Context, status Status) error
	// GetStatus returns found == false for parents never ingested.
	GetStatus(ctx context.Context, parentID string) (status Status, found bool, err error)
}

type MemoryStatusStore struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

var _ StatusStore = (*MemoryStatusStore)(nil)

func NewMemoryStatusStore() *MemoryStatusStore {
	return &MemoryStatusStore{statuses: make(map[string]Status)}
}

func (m *MemoryStatusStore) SetStatus(_ context.Context, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[status.ParentID] = status
	return nil
}

func (m *MemoryStatusStore) GetStatus(_ context.Context, parentID string) (Status, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.statuses[parentID]
	return s, ok, nil
}

// RedisStatusStore keeps statuses as JSON at {prefix}:ingest_status:{parentID}.
// Entries expire after ttl when it is positive.
type RedisStatusStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ StatusStore = (*RedisStatusStore)(nil)

func NewRedisStatusStore(client redis.UniversalClient, prefix string, ttl time.Duration) (*RedisStatusStore, error) {
	if client == nil {
		return nil, errors.New("ingest: redis client is required")
	}
	prefix = strings.Trim(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "aikb"
	}
	return &RedisStatusStore{client: client, prefix: prefix, ttl: ttl}, nil
}

func (r *RedisStatusStore) key(parentID string) string {
	return r.prefix + ":ingest_status:" + parentID
}

func (r *RedisStatusStore) SetStatus(ctx context.Context, status Status) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("ingest: encode status %s: %w", status.ParentID, err)
	}
	if err := r.client.Set(ctx, r.key(status.ParentID), payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("ingest: set status %s: %w", status.ParentID, err)
	}
	return nil
}

func (r *RedisStatusStore) GetStatus(ctx context.Context, parentID string) (Status, bool, error) {
	raw, err := r.client.Get(ctx, r.key(parentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Status{}, false, nil
	}
	if err != nil {
		return Status{}, false, fmt.Errorf("ingest: get status %s: %w", parentID, err)
	}
	var s Status
	if err := json.Unmarshal(raw, &s); err != nil {
		return Status{}, false, fmt.Errorf("ingest: decode status %s: %w", parentID, err)
	}
	return s, true, nil
}
