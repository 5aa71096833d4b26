package monitoring

import (
	"fmt"
	"strings"
)

// Config holds configuration for the metrics exporter.
type Config struct {
	Enabled bool   `json:"enabled" koanf:"enabled"`
	Path    string `json:"path"    koanf:"path"`
	Addr    string `json:"addr"    koanf:"addr"`
}

func DefaultConfig() *Config {
	return &Config{
		Enabled: false,
		Path:    "/metrics",
		Addr:    ":9464",
	}
}

func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("monitoring path cannot be empty")
	}
	if c.Path[0] != '/' {
		return fmt.Errorf("monitoring path must start with '/': got %s", c.Path)
	}
	if strings.ContainsRune(c.Path, '?') {
		return fmt.Errorf("monitoring path cannot contain query parameters")
	}
	return nil
}
