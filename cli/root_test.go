package cli

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aikb/aikb/engine/knowledge/chunk"
	"github.com/aikb/aikb/pkg/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := RootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	missing := filepath.Join(t.TempDir(), "absent.yaml")
	root.SetArgs(append([]string{"--config", missing, "--env-file", missing, "--log-level", "disabled"}, args...))
	err := root.ExecuteContext(t.Context())
	return out.String(), err
}

func TestRootCmd(t *testing.T) {
	t.Run("Should register every knowledge command", func(t *testing.T) {
		names := map[string]bool{}
		for _, c := range RootCmd().Commands() {
			names[c.Name()] = true
		}
		for _, want := range []string{"process", "reprocess", "chunk-embed", "delete", "search", "similar", "ingest-pdf", "ingest-status"} {
			assert.True(t, names[want], want)
		}
	})
	t.Run("Should list strategies as JSON", func(t *testing.T) {
		out, err := execute(t, "strategies")
		require.NoError(t, err)
		var names []string
		require.NoError(t, json.Unmarshal([]byte(out), &names))
		assert.Equal(t, chunk.NewDefaultRegistry().Names(), names)
	})
	t.Run("Should apply the store driver override to the loaded config", func(t *testing.T) {
		var seen *config.Config
		root := RootCmd()
		root.AddCommand(&cobra.Command{
			Use: "inspect",
			RunE: func(cmd *cobra.Command, _ []string) error {
				seen = config.FromContext(cmd.Context())
				return nil
			},
		})
		missing := filepath.Join(t.TempDir(), "absent.yaml")
		root.SetArgs([]string{"--config", missing, "--env-file", missing, "--store-driver", "sqlite", "inspect"})
		require.NoError(t, root.ExecuteContext(t.Context()))
		require.NotNil(t, seen)
		assert.Equal(t, "sqlite", seen.Store.Driver)
	})
	t.Run("Should reject malformed strategy options", func(t *testing.T) {
		_, err := execute(t, "process", "doc", "--option", "novalue")
		assert.ErrorContains(t, err, "expected key=value")
	})
}

func TestParseOptions(t *testing.T) {
	t.Run("Should split key=value pairs", func(t *testing.T) {
		cfg, err := parseOptions([]string{"size=400", " overlap = 20 "})
		require.NoError(t, err)
		size, err := cfg.Int("size", 0)
		require.NoError(t, err)
		assert.Equal(t, 400, size)
		assert.Equal(t, "20", cfg.String("overlap", ""))
	})
	t.Run("Should return nil for no options", func(t *testing.T) {
		cfg, err := parseOptions(nil)
		require.NoError(t, err)
		assert.Nil(t, cfg)
	})
}
