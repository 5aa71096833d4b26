package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	charmlog "github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonLogger(buf *bytes.Buffer, level LogLevel) Logger {
	return NewLogger(&Config{Level: level, Output: buf, JSON: true, TimeFormat: "15:04:05"})
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for line := range strings.SplitSeq(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		out = append(out, entry)
	}
	return out
}

func TestFromContext(t *testing.T) {
	t.Run("Should carry per-parent fields through the context", func(t *testing.T) {
		var buf bytes.Buffer
		base := jsonLogger(&buf, InfoLevel).With("component", "ingest")
		ctx := ContextWithLogger(t.Context(), base.With("parent_id", "doc-1", "strategy", "h1"))

		FromContext(ctx).Info("Parent chunked", "chunks", 2)

		entries := decodeLines(t, &buf)
		require.Len(t, entries, 1)
		assert.Equal(t, "Parent chunked", entries[0]["msg"])
		assert.Equal(t, "ingest", entries[0]["component"])
		assert.Equal(t, "doc-1", entries[0]["parent_id"])
		assert.Equal(t, "h1", entries[0]["strategy"])
		assert.InDelta(t, 2, entries[0]["chunks"], 0)
	})

	t.Run("Should fall back to the process default", func(t *testing.T) {
		assert.Same(t, GetDefault(), FromContext(context.Background()))
		assert.Same(t, GetDefault(), FromContext(ContextWithLogger(t.Context(), nil)))
	})

	t.Run("Should route the default through Init", func(t *testing.T) {
		var buf bytes.Buffer
		Init(&Config{Level: WarnLevel, Output: &buf, TimeFormat: "15:04:05"})
		t.Cleanup(func() { Init(TestConfig()) })

		FromContext(t.Context()).Info("Retrieval executed")
		FromContext(t.Context()).Warn("Failed to release parent lock", "parent_id", "doc-1")

		out := buf.String()
		assert.NotContains(t, out, "Retrieval executed")
		assert.Contains(t, out, "Failed to release parent lock")
		assert.Contains(t, out, "parent_id=doc-1")
	})
}

func TestParseLevel(t *testing.T) {
	t.Run("Should accept configuration spellings", func(t *testing.T) {
		assert.Equal(t, DebugLevel, ParseLevel(" DEBUG "))
		assert.Equal(t, WarnLevel, ParseLevel("warn"))
		assert.Equal(t, ErrorLevel, ParseLevel("Error"))
		assert.Equal(t, DisabledLevel, ParseLevel("disabled"))
	})

	t.Run("Should default unknown names to info", func(t *testing.T) {
		assert.Equal(t, InfoLevel, ParseLevel(""))
		assert.Equal(t, InfoLevel, ParseLevel("verbose"))
		assert.Equal(t, charmlog.InfoLevel, LogLevel("verbose").ToCharmlogLevel())
	})
}

func TestLevelFiltering(t *testing.T) {
	t.Run("Should drop messages below the configured level", func(t *testing.T) {
		var buf bytes.Buffer
		log := jsonLogger(&buf, WarnLevel)
		log.Debug("Reusing existing chunks")
		log.Info("Parent chunked")
		log.Warn("Some chunks were not embedded", "missing", 1)
		log.Error("Retrieval failed")

		entries := decodeLines(t, &buf)
		require.Len(t, entries, 2)
		assert.Equal(t, "warn", entries[0]["level"])
		assert.Equal(t, "error", entries[1]["level"])
	})

	t.Run("Should stay silent under the test configuration", func(t *testing.T) {
		var buf bytes.Buffer
		cfg := TestConfig()
		cfg.Output = &buf
		log := NewLogger(cfg)
		log.Error("Retrieval failed")
		assert.Empty(t, buf.String())
		assert.True(t, IsTestEnvironment())
	})
}

func TestCommandFlags(t *testing.T) {
	t.Run("Should expose flags to subcommands of the root", func(t *testing.T) {
		root := &cobra.Command{Use: "aikb"}
		AddFlags(root)
		var level string
		var asJSON, source bool
		root.AddCommand(&cobra.Command{
			Use: "search",
			RunE: func(cmd *cobra.Command, _ []string) error {
				var err error
				level, asJSON, source, err = GetLoggerConfig(cmd)
				return err
			},
		})
		root.SetArgs([]string{"search", "--log-level", "debug", "--log-json"})

		require.NoError(t, root.Execute())
		assert.Equal(t, "debug", level)
		assert.True(t, asJSON)
		assert.False(t, source)
	})

	t.Run("Should default to info text logs", func(t *testing.T) {
		root := &cobra.Command{Use: "aikb"}
		AddFlags(root)
		require.NoError(t, root.ParseFlags(nil))
		level, asJSON, source, err := GetLoggerConfig(root)
		require.NoError(t, err)
		assert.Equal(t, InfoLevel.String(), level)
		assert.False(t, asJSON)
		assert.False(t, source)
	})

	t.Run("Should fail when the flags were never registered", func(t *testing.T) {
		_, _, _, err := GetLoggerConfig(&cobra.Command{Use: "bare"})
		assert.ErrorContains(t, err, "log-level")
	})
}
