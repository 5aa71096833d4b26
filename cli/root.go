package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/aikb/aikb/engine/knowledge/knowledgeapp"
	"github.com/aikb/aikb/pkg/config"
	"github.com/aikb/aikb/pkg/logger"
	"github.com/aikb/aikb/pkg/version"
)

const (
	flagConfig      = "config"
	flagEnvFile     = "env-file"
	flagStoreDriver = "store-driver"
	flagStrategy    = "strategy"
	flagOption      = "option"
)

func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:               "aikb",
		Short:             "Chunk, embed and search knowledge documents",
		Version:           version.Get().Version,
		SilenceUsage:      true,
		PersistentPreRunE: setupContext,
	}
	logger.AddFlags(root)
	root.PersistentFlags().String(flagConfig, "aikb.yaml", "path to the YAML configuration file")
	root.PersistentFlags().String(flagEnvFile, ".env", "path to a .env file loaded before the environment")
	root.PersistentFlags().String(flagStoreDriver, "", "override store.driver (memory, redis, sqlite, pgvector)")

	root.AddCommand(
		ProcessCmd(),
		ReprocessCmd(),
		ChunkEmbedCmd(),
		DeleteCmd(),
		SearchCmd(),
		SimilarCmd(),
		IngestPDFCmd(),
		IngestStatusCmd(),
		StrategiesCmd(),
		VersionCmd(),
	)
	return root
}

// setupContext configures logging and loads configuration into the command context.
func setupContext(cmd *cobra.Command, _ []string) error {
	level, logJSON, logSource, err := logger.GetLoggerConfig(cmd)
	if err != nil {
		return err
	}
	envFile, err := cmd.Flags().GetString(flagEnvFile)
	if err != nil {
		return err
	}
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	path, err := cmd.Flags().GetString(flagConfig)
	if err != nil {
		return err
	}
	overrides := map[string]any{}
	if cmd.Flags().Changed(flagStoreDriver) {
		driver, err := cmd.Flags().GetString(flagStoreDriver)
		if err != nil {
			return err
		}
		overrides["store.driver"] = driver
	}
	if cmd.Flags().Changed("log-level") {
		overrides["runtime.log_level"] = level
	}
	cfg, err := config.NewLoader().Load(cmd.Context(), config.NewYAMLProvider(path), config.NewCLIProvider(overrides))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cmd.Flags().Changed("log-level") {
		level = cfg.Runtime.LogLevel
	}
	logger.SetupLogger(level, logJSON || cfg.Runtime.LogJSON, logSource)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = logger.ContextWithLogger(ctx, logger.GetDefault())
	cmd.SetContext(config.ContextWithConfig(ctx, cfg))
	return nil
}

// withApp builds the application for one command and closes it afterwards.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, app *knowledgeapp.App) error) (err error) {
	ctx := cmd.Context()
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return fmt.Errorf("configuration not loaded")
	}
	app, err := knowledgeapp.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := app.Close(context.WithoutCancel(ctx)); closeErr != nil {
			logger.FromContext(ctx).Warn("Failed to close app", "error", closeErr)
		}
	}()
	app.Monitoring.Serve(ctx)
	return fn(ctx, app)
}
