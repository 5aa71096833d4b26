package sqlite

import (
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDSN(t *testing.T) {
	t.Run("Should build DSN for file path with pragmas", func(t *testing.T) {
		d, err := buildDSN(&Config{Path: "/tmp/test.db", BusyTimeout: 2 * time.Second})
		require.NoError(t, err)
		decoded, err := url.QueryUnescape(d)
		require.NoError(t, err)
		assert.Contains(t, decoded, "file:/tmp/test.db")
		assert.Contains(t, decoded, "_pragma=journal_mode(WAL)")
		assert.Contains(t, decoded, "_pragma=foreign_keys(ON)")
		assert.Contains(t, decoded, "_pragma=busy_timeout(2000)")
	})
	t.Run("Should build DSN for in-memory shared cache", func(t *testing.T) {
		d, err := buildDSN(&Config{Path: ":memory:"})
		require.NoError(t, err)
		assert.Contains(t, d, "file::memory:?")
		assert.Contains(t, d, "cache=shared")
	})
	t.Run("Should require a path", func(t *testing.T) {
		_, err := buildDSN(&Config{Path: " "})
		assert.Error(t, err)
	})
}

func TestNewStore(t *testing.T) {
	t.Run("Should open a file database in WAL mode", func(t *testing.T) {
		ctx := t.Context()
		s, err := NewStore(ctx, &Config{Path: filepath.Join(t.TempDir(), "chunks.db")})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close(ctx) })
		var mode string
		require.NoError(t, s.DB().QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
		assert.Equal(t, "wal", mode)
	})
}
