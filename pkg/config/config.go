package config

import (
	"encoding/json"
	"time"
)

// Config holds every setting needed to assemble the chunking and retrieval stack.
type Config struct {
	Runtime    RuntimeConfig    `koanf:"runtime"    json:"runtime"`
	Store      StoreConfig      `koanf:"store"      json:"store"`
	Postgres   PostgresConfig   `koanf:"postgres"   json:"postgres"`
	Redis      RedisConfig      `koanf:"redis"      json:"redis"`
	SQLite     SQLiteConfig     `koanf:"sqlite"     json:"sqlite"`
	Embedder   EmbedderConfig   `koanf:"embedder"   json:"embedder"`
	Chunking   ChunkingConfig   `koanf:"chunking"   json:"chunking"`
	Lock       LockConfig       `koanf:"lock"       json:"lock"`
	Source     SourceConfig     `koanf:"source"     json:"source"`
	Blob       BlobConfig       `koanf:"blob"       json:"blob"`
	Monitoring MonitoringConfig `koanf:"monitoring" json:"monitoring"`
}

type RuntimeConfig struct {
	LogLevel             string `koanf:"log_level"             json:"log_level"             validate:"oneof=debug info warn error disabled"`
	LogJSON              bool   `koanf:"log_json"              json:"log_json"`
	ReprocessConcurrency int    `koanf:"reprocess_concurrency" json:"reprocess_concurrency" validate:"min=1"`
}

// StoreConfig selects the chunk store backend.
//
// Driver "memory", "redis" and "sqlite" use the document backend with
// application-side cosine scoring; "pgvector" uses the vector-native backend.
type StoreConfig struct {
	Driver      string `koanf:"driver"       json:"driver"       validate:"oneof=memory redis sqlite pgvector"`
	Dimension   int    `koanf:"dimension"    json:"dimension"    validate:"min=1"`
	Table       string `koanf:"table"        json:"table"        validate:"required"`
	KeyPrefix   string `koanf:"key_prefix"   json:"key_prefix"   validate:"required"`
	EnsureIndex bool   `koanf:"ensure_index" json:"ensure_index"`
	IndexLists  int    `koanf:"index_lists"  json:"index_lists"  validate:"min=1"`
}

type PostgresConfig struct {
	DSN      SensitiveString `koanf:"dsn"       json:"dsn"       sensitive:"true"`
	MaxConns int32           `koanf:"max_conns" json:"max_conns" validate:"min=0"`
}

// RedisConfig connects to a Redis server. Mode "embedded" starts an
// in-process miniredis instead, for single-binary local runs.
type RedisConfig struct {
	Mode     string          `koanf:"mode"     json:"mode"     validate:"oneof=standalone embedded"`
	URL      SensitiveString `koanf:"url"      json:"url"      sensitive:"true"`
	Addr     string          `koanf:"addr"     json:"addr"`
	Password SensitiveString `koanf:"password" json:"password" sensitive:"true"`
	DB       int             `koanf:"db"       json:"db"       validate:"min=0"`
}

type SQLiteConfig struct {
	Path string `koanf:"path" json:"path"`
}

type EmbedderConfig struct {
	Provider     string          `koanf:"provider"      json:"provider"      validate:"oneof=openai ollama"`
	Model        string          `koanf:"model"         json:"model"         validate:"required"`
	APIKey       SensitiveString `koanf:"api_key"       json:"api_key"       sensitive:"true"`
	BaseURL      string          `koanf:"base_url"      json:"base_url"`
	BatchSize    int             `koanf:"batch_size"    json:"batch_size"    validate:"min=1"`
	CacheSize    int             `koanf:"cache_size"    json:"cache_size"    validate:"min=0"`
	MaxRetries   uint64          `koanf:"max_retries"   json:"max_retries"`
	RetryBackoff time.Duration   `koanf:"retry_backoff" json:"retry_backoff"`
}

// ChunkingConfig carries the strategy handed to the orchestrator by callers
// that do not name one explicitly (the CLI).
type ChunkingConfig struct {
	Strategy string         `koanf:"strategy" json:"strategy" validate:"required"`
	Options  map[string]any `koanf:"options"  json:"options"`
}

type LockConfig struct {
	Driver       string        `koanf:"driver"        json:"driver"        validate:"oneof=memory redis"`
	TTL          time.Duration `koanf:"ttl"           json:"ttl"`
	PollInterval time.Duration `koanf:"poll_interval" json:"poll_interval"`
}

type SourceConfig struct {
	Driver string `koanf:"driver" json:"driver" validate:"oneof=memory redis filesystem"`
	Root   string `koanf:"root"   json:"root"`
}

type MonitoringConfig struct {
	Enabled bool   `koanf:"enabled" json:"enabled"`
	Path    string `koanf:"path"    json:"path"    validate:"startswith=/"`
	Addr    string `koanf:"addr"    json:"addr"`
}

// BlobConfig locates stored originals. SplitSize is the number of pages per
// uploaded PDF part.
type BlobConfig struct {
	Root      string `koanf:"root"       json:"root"`
	BaseURL   string `koanf:"base_url"   json:"base_url"`
	SplitSize int    `koanf:"split_size" json:"split_size" validate:"min=1"`
}

// Default returns the configuration used before any source is applied.
func Default() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			LogLevel:             "info",
			ReprocessConcurrency: 4,
		},
		Store: StoreConfig{
			Driver:      "memory",
			Dimension:   1536,
			Table:       "document_chunks",
			KeyPrefix:   "aikb",
			EnsureIndex: true,
			IndexLists:  100,
		},
		Postgres: PostgresConfig{
			MaxConns: 10,
		},
		Redis: RedisConfig{
			Mode: "standalone",
			Addr: "localhost:6379",
		},
		SQLite: SQLiteConfig{
			Path: "aikb.db",
		},
		Embedder: EmbedderConfig{
			Provider:     "openai",
			Model:        "text-embedding-3-small",
			BatchSize:    64,
			CacheSize:    1024,
			MaxRetries:   2,
			RetryBackoff: 250 * time.Millisecond,
		},
		Chunking: ChunkingConfig{
			Strategy: "h1",
		},
		Lock: LockConfig{
			Driver:       "memory",
			TTL:          2 * time.Minute,
			PollInterval: 100 * time.Millisecond,
		},
		Source: SourceConfig{
			Driver: "filesystem",
			Root:   "markdown",
		},
		Blob: BlobConfig{
			Root:      "blobs",
			SplitSize: 25,
		},
		Monitoring: MonitoringConfig{
			Path: "/metrics",
			Addr: ":9464",
		},
	}
}

const redacted = "[REDACTED]"

// SensitiveString hides its value when printed or marshaled.
type SensitiveString string

func (s SensitiveString) String() string {
	if s == "" {
		return ""
	}
	return redacted
}

// Value returns the raw secret.
func (s SensitiveString) Value() string {
	return string(s)
}

func (s SensitiveString) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal(redacted)
}

func (s *SensitiveString) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = SensitiveString(raw)
	return nil
}
