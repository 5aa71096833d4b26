package config

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretsInLoadedConfig(t *testing.T) {
	const (
		dsn      = "postgres://aikb:pg-secret@db:5432/aikb"
		password = "redis-secret"
		apiKey   = "sk-embed-secret"
	)
	load := func(t *testing.T) *Config {
		t.Helper()
		path := writeFile(t, "aikb.yaml", fmt.Sprintf(`
postgres:
  dsn: %q
redis:
  password: %q
`, dsn, password))
		t.Setenv("AIKB_EMBEDDER_API_KEY", apiKey)
		cfg, err := NewLoader().Load(t.Context(), NewYAMLProvider(path))
		require.NoError(t, err)
		return cfg
	}

	t.Run("Should keep the raw values available to the drivers", func(t *testing.T) {
		cfg := load(t)
		assert.Equal(t, dsn, cfg.Postgres.DSN.Value())
		assert.Equal(t, password, cfg.Redis.Password.Value())
		assert.Equal(t, apiKey, cfg.Embedder.APIKey.Value())
	})

	t.Run("Should redact every secret when the config is marshaled", func(t *testing.T) {
		cfg := load(t)
		data, err := json.Marshal(cfg)
		require.NoError(t, err)
		for _, secret := range []string{dsn, password, apiKey, "pg-secret"} {
			assert.NotContains(t, string(data), secret)
		}

		var decoded struct {
			Postgres map[string]any `json:"postgres"`
			Redis    map[string]any `json:"redis"`
			Embedder map[string]any `json:"embedder"`
		}
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, redacted, decoded.Postgres["dsn"])
		assert.Equal(t, redacted, decoded.Redis["password"])
		assert.Equal(t, redacted, decoded.Embedder["api_key"])
		assert.Equal(t, "", decoded.Redis["url"], "unset secrets stay empty")
		assert.Equal(t, "text-embedding-3-small", decoded.Embedder["model"])
	})

	t.Run("Should redact secrets in formatted log values", func(t *testing.T) {
		cfg := load(t)
		line := fmt.Sprintf("connecting with %s and key %v", cfg.Postgres.DSN, cfg.Embedder.APIKey)
		assert.Equal(t, "connecting with [REDACTED] and key [REDACTED]", line)
		assert.Empty(t, cfg.Redis.URL.String())
	})

	t.Run("Should read secrets back from marshaled JSON input", func(t *testing.T) {
		var pg PostgresConfig
		require.NoError(t, json.Unmarshal([]byte(`{"dsn":"postgres://local"}`), &pg))
		assert.Equal(t, "postgres://local", pg.DSN.Value())
	})
}
