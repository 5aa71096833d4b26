package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aikb/aikb/engine/knowledge/chunk"
)

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

// parseOptions turns repeated key=value flags into a chunk config. Values stay
// strings; strategies coerce numeric options themselves.
func parseOptions(pairs []string) (chunk.Config, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	cfg := make(chunk.Config, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid option %q, expected key=value", pair)
		}
		cfg[key] = strings.TrimSpace(value)
	}
	return cfg, nil
}

// strategyFlags registers --strategy and --option on cmd.
func strategyFlags(cmd *cobra.Command) {
	cmd.Flags().String(flagStrategy, "", "chunking strategy (defaults to chunking.strategy)")
	cmd.Flags().StringSlice(flagOption, nil, "strategy option as key=value, repeatable")
}
