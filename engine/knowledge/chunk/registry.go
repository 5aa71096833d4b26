package chunk

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/aikb/aikb/engine/knowledge"
	"github.com/aikb/aikb/pkg/logger"
)

// Builder constructs a Chunker for a resolved config.
type Builder struct {
	New           func(cfg Config) (Chunker, error)
	DefaultConfig func() Config
}

// Registry maps strategy names to builders. Strategies can be added at
// runtime without touching storage or retrieval code.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// NewDefaultRegistry registers h1, paragraph, recursive and markdown.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	for name, b := range map[string]Builder{
		StrategyH1:        h1Builder(),
		StrategyParagraph: paragraphBuilder(),
		StrategyRecursive: recursiveBuilder(),
		StrategyMarkdown:  markdownBuilder(),
	} {
		if err := r.Register(name, b); err != nil {
			panic(err)
		}
	}
	return r
}

func (r *Registry) Register(name string, b Builder) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("chunk: strategy name is required")
	}
	if b.New == nil {
		return fmt.Errorf("chunk: strategy %q has no constructor", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.builders[name]; exists {
		return fmt.Errorf("chunk: strategy %q already registered", name)
	}
	r.builders[name] = b
	return nil
}

func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[name]
	return ok
}

// Names returns the registered strategies in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Resolve overlays cfg on the strategy defaults.
func (r *Registry) Resolve(strategy string, cfg Config) (Config, error) {
	b, ok := r.lookup(strategy)
	if !ok {
		return nil, unknownStrategy(strategy, r.Names())
	}
	var defaults Config
	if b.DefaultConfig != nil {
		defaults = b.DefaultConfig()
	}
	return defaults.Merge(cfg), nil
}

// Chunk splits markdown with the named strategy and returns the drafts together
// with the resolved config that produced them.
func (r *Registry) Chunk(
	ctx context.Context,
	markdown string,
	strategy string,
	cfg Config,
) ([]Draft, Config, error) {
	resolved, err := r.Resolve(strategy, cfg)
	if err != nil {
		return nil, nil, err
	}
	b, _ := r.lookup(strategy)
	chunker, err := b.New(resolved)
	if err != nil {
		return nil, nil, knowledge.NewValidationError("chunk", "", err.Error())
	}
	drafts, err := chunker.Chunk(normalizeNewlines(markdown))
	if err != nil {
		return nil, nil, fmt.Errorf("chunk: strategy %s: %w", strategy, err)
	}
	logger.FromContext(ctx).Debug("Markdown chunked", "strategy", strategy, "drafts", len(drafts))
	return drafts, resolved, nil
}

func (r *Registry) lookup(name string) (Builder, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builders[name]
	return b, ok
}

func unknownStrategy(name string, known []string) error {
	return knowledge.NewValidationError(
		"chunk",
		"",
		fmt.Sprintf("unknown chunk strategy %q (known: %s)", name, strings.Join(known, ", ")),
	)
}
