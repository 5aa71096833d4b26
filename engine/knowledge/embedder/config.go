package embedder

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderOllama Provider = "ollama"
)

// Config describes how the adapter reaches its embedding model.
type Config struct {
	Provider      Provider
	Model         string
	APIKey        string
	BaseURL       string
	Dimension     int
	BatchSize     int
	CacheSize     int
	MaxRetries    uint64
	RetryBackoff  time.Duration
	StripNewLines bool
}

var (
	errMissingProvider  = errors.New("embedder provider is required")
	errMissingModel     = errors.New("embedder model is required")
	errInvalidDimension = errors.New("embedder dimension must not be negative")
	errInvalidBatchSize = errors.New("embedder batch size must be greater than zero")
)

func (c *Config) Validate() error {
	if strings.TrimSpace(string(c.Provider)) == "" {
		return errMissingProvider
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("embedder %s: %w", c.Provider, errMissingModel)
	}
	if c.Dimension < 0 {
		return fmt.Errorf("embedder %s: %w", c.Provider, errInvalidDimension)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("embedder %s: %w", c.Provider, errInvalidBatchSize)
	}
	return nil
}
