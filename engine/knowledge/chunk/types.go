package chunk

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"strconv"
	"strings"
)

const (
	StrategyH1        = "h1"
	StrategyParagraph = "paragraph"
	StrategyRecursive = "recursive"
	StrategyMarkdown  = "markdown"
)

// Draft is one chunk prior to indexing, embedding and persistence.
type Draft struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Chunker splits markdown into drafts in document order.
type Chunker interface {
	Chunk(markdown string) ([]Draft, error)
}

// ChunkerFunc adapts a plain function to Chunker.
type ChunkerFunc func(markdown string) ([]Draft, error)

func (f ChunkerFunc) Chunk(markdown string) ([]Draft, error) {
	return f(markdown)
}

// Config is the JSON-serialisable option set of one strategy.
type Config map[string]any

// Clone returns a shallow copy; nil stays nil.
func (c Config) Clone() Config {
	if c == nil {
		return nil
	}
	return maps.Clone(c)
}

// Merge overlays override on top of c without mutating either.
func (c Config) Merge(override Config) Config {
	out := make(Config, len(c)+len(override))
	maps.Copy(out, c)
	maps.Copy(out, override)
	return out
}

// Int reads an integer option, tolerating JSON float64 and numeric strings.
func (c Config) Int(key string, def int) (int, error) {
	raw, ok := c[key]
	if !ok || raw == nil {
		return def, nil
	}
	switch v := raw.(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("chunk: option %q must be an integer, got %v", key, v)
		}
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, fmt.Errorf("chunk: option %q: %w", key, err)
		}
		return int(n), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, fmt.Errorf("chunk: option %q: %w", key, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("chunk: option %q has unsupported type %T", key, raw)
	}
}

func (c Config) String(key string, def string) string {
	raw, ok := c[key]
	if !ok || raw == nil {
		return def
	}
	if s, ok := raw.(string); ok {
		return s
	}
	return fmt.Sprint(raw)
}

// Encode serialises the config for chunk metadata. Map keys are sorted by
// encoding/json, so equal configs encode identically.
func (c Config) Encode() (string, error) {
	if len(c) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("chunk: encode config: %w", err)
	}
	return string(data), nil
}
