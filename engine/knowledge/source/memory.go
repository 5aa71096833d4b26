package source

import (
	"context"
	"maps"
	"slices"
	"sync"
)

type Memory struct {
	mu   sync.RWMutex
	docs map[string]string
}

var _ MarkdownSource = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{docs: make(map[string]string)}
}

func (m *Memory) GetMarkdown(_ context.Context, parentID string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	md, ok := m.docs[parentID]
	return md, ok, nil
}

func (m *Memory) SaveMarkdown(_ context.Context, parentID string, markdown string) error {
	if err := validateParentID("save_markdown", parentID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[parentID] = markdown
	return nil
}

func (m *Memory) ListParentIDs(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.docs)), nil
}
