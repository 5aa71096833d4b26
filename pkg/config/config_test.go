package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoader_Load(t *testing.T) {
	t.Run("Should return defaults when no source is given", func(t *testing.T) {
		cfg, err := NewLoader().Load(t.Context())
		require.NoError(t, err)
		assert.Equal(t, "memory", cfg.Store.Driver)
		assert.Equal(t, 1536, cfg.Store.Dimension)
		assert.Equal(t, "h1", cfg.Chunking.Strategy)
		assert.Equal(t, 2*time.Minute, cfg.Lock.TTL)
	})

	t.Run("Should apply YAML values over defaults", func(t *testing.T) {
		path := writeFile(t, "aikb.yaml", `
store:
  driver: sqlite
  dimension: 3
sqlite:
  path: /tmp/chunks.db
chunking:
  strategy: paragraph
  options:
    fallback: paragraph
lock:
  ttl: 30s
`)
		cfg, err := NewLoader().Load(t.Context(), NewYAMLProvider(path))
		require.NoError(t, err)
		assert.Equal(t, "sqlite", cfg.Store.Driver)
		assert.Equal(t, 3, cfg.Store.Dimension)
		assert.Equal(t, "/tmp/chunks.db", cfg.SQLite.Path)
		assert.Equal(t, "paragraph", cfg.Chunking.Strategy)
		assert.Equal(t, "paragraph", cfg.Chunking.Options["fallback"])
		assert.Equal(t, 30*time.Second, cfg.Lock.TTL)
		assert.Equal(t, "document_chunks", cfg.Store.Table)
	})

	t.Run("Should let environment variables win over files", func(t *testing.T) {
		path := writeFile(t, "aikb.yaml", "store:\n  dimension: 3\n")
		t.Setenv("AIKB_STORE_DIMENSION", "8")
		t.Setenv("AIKB_EMBEDDER_API_KEY", "sk-test")
		cfg, err := NewLoader().Load(t.Context(), NewYAMLProvider(path))
		require.NoError(t, err)
		assert.Equal(t, 8, cfg.Store.Dimension)
		assert.Equal(t, "sk-test", cfg.Embedder.APIKey.Value())
		assert.Equal(t, "[REDACTED]", cfg.Embedder.APIKey.String())
	})

	t.Run("Should let CLI overrides win over YAML", func(t *testing.T) {
		path := writeFile(t, "aikb.yaml", "store:\n  driver: redis\n")
		cfg, err := NewLoader().Load(
			t.Context(),
			NewYAMLProvider(path),
			NewCLIProvider(map[string]any{"store.driver": "memory", "source.root": ""}),
		)
		require.NoError(t, err)
		assert.Equal(t, "memory", cfg.Store.Driver)
		assert.Equal(t, "markdown", cfg.Source.Root)
	})

	t.Run("Should ignore a missing YAML file", func(t *testing.T) {
		cfg, err := NewLoader().Load(t.Context(), NewYAMLProvider(filepath.Join(t.TempDir(), "nope.yaml")))
		require.NoError(t, err)
		assert.Equal(t, "memory", cfg.Store.Driver)
	})

	t.Run("Should reject unknown store drivers", func(t *testing.T) {
		t.Setenv("AIKB_STORE_DRIVER", "mongo")
		_, err := NewLoader().Load(t.Context())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "validation failed")
	})

	t.Run("Should require a DSN for the pgvector driver", func(t *testing.T) {
		t.Setenv("AIKB_STORE_DRIVER", "pgvector")
		_, err := NewLoader().Load(t.Context())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "postgres.dsn")
	})
}

func TestTransformEnvKey(t *testing.T) {
	t.Run("Should map the first segment to a section", func(t *testing.T) {
		assert.Equal(t, "store.key_prefix", transformEnvKey("AIKB_STORE_KEY_PREFIX"))
		assert.Equal(t, "runtime.reprocess_concurrency", transformEnvKey("AIKB_RUNTIME_REPROCESS_CONCURRENCY"))
		assert.Equal(t, "", transformEnvKey("AIKB_"))
	})
}

func TestLoadDotEnv(t *testing.T) {
	t.Run("Should export variables without overriding existing ones", func(t *testing.T) {
		path := writeFile(t, ".env", "AIKB_TEST_DOTENV_A=from-file\nAIKB_TEST_DOTENV_B=from-file\n")
		t.Setenv("AIKB_TEST_DOTENV_B", "from-env")
		t.Cleanup(func() { os.Unsetenv("AIKB_TEST_DOTENV_A") })

		require.NoError(t, LoadDotEnv(path, filepath.Join(t.TempDir(), "missing.env")))

		assert.Equal(t, "from-file", os.Getenv("AIKB_TEST_DOTENV_A"))
		assert.Equal(t, "from-env", os.Getenv("AIKB_TEST_DOTENV_B"))
	})
}

func TestFromContext(t *testing.T) {
	t.Run("Should fall back to defaults", func(t *testing.T) {
		assert.Equal(t, Default(), FromContext(t.Context()))
	})

	t.Run("Should return the attached configuration", func(t *testing.T) {
		cfg := Default()
		cfg.Store.Driver = "redis"
		ctx := ContextWithConfig(t.Context(), cfg)
		assert.Same(t, cfg, FromContext(ctx))
	})
}
