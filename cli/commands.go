package cli

import (
	"context"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/aikb/aikb/engine/knowledge"
	"github.com/aikb/aikb/engine/knowledge/chunk"
	"github.com/aikb/aikb/engine/knowledge/ingest"
	"github.com/aikb/aikb/engine/knowledge/knowledgeapp"
	"github.com/aikb/aikb/pkg/config"
	"github.com/aikb/aikb/pkg/version"
)

// resolveStrategy applies the configured defaults under the flags.
func resolveStrategy(cmd *cobra.Command) (string, chunk.Config, error) {
	cfg := config.FromContext(cmd.Context())
	strategy, err := cmd.Flags().GetString(flagStrategy)
	if err != nil {
		return "", nil, err
	}
	if strategy == "" {
		strategy = cfg.Chunking.Strategy
	}
	pairs, err := cmd.Flags().GetStringSlice(flagOption)
	if err != nil {
		return "", nil, err
	}
	opts, err := parseOptions(pairs)
	if err != nil {
		return "", nil, err
	}
	base := chunk.Config(cfg.Chunking.Options)
	return strategy, base.Merge(opts), nil
}

func ProcessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process <parent-id>",
		Short: "Chunk and embed one parent, replacing its chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			strategy, opts, err := resolveStrategy(cmd)
			if err != nil {
				return err
			}
			file, err := cmd.Flags().GetString("file")
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app *knowledgeapp.App) error {
				if file != "" {
					data, err := afero.ReadFile(afero.NewOsFs(), file)
					if err != nil {
						return err
					}
					if err := app.Source.SaveMarkdown(ctx, args[0], string(data)); err != nil {
						return err
					}
				}
				result, err := app.Orchestrator.ProcessItemChunks(ctx, args[0], strategy, opts)
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			})
		},
	}
	strategyFlags(cmd)
	cmd.Flags().String("file", "", "markdown file to store for the parent before processing")
	return cmd
}

func ReprocessCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reprocess [parent-id]",
		Short: "Force a refresh of one parent or of every known parent",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			strategy, opts, err := resolveStrategy(cmd)
			if err != nil {
				return err
			}
			req := ingest.ReprocessRequest{Strategy: strategy, Config: opts}
			if len(args) == 1 {
				req.ParentID = args[0]
			}
			return withApp(cmd, func(ctx context.Context, app *knowledgeapp.App) error {
				report, err := app.Orchestrator.ReProcessChunks(ctx, req)
				if err != nil {
					return err
				}
				if err := printJSON(cmd, report); err != nil {
					return err
				}
				return report.Err()
			})
		},
	}
	strategyFlags(cmd)
	return cmd
}

func ChunkEmbedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chunk-embed <parent-id>",
		Short: "Return a parent's chunks, computing them only when missing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			strategy, opts, err := resolveStrategy(cmd)
			if err != nil {
				return err
			}
			force, err := cmd.Flags().GetBool("force")
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app *knowledgeapp.App) error {
				chunks, err := app.Orchestrator.ChunkEmbed(ctx, args[0], strategy, opts, force)
				if err != nil {
					return err
				}
				return printJSON(cmd, chunks)
			})
		},
	}
	strategyFlags(cmd)
	cmd.Flags().Bool("force", false, "recompute even when chunks exist")
	return cmd
}

func DeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <parent-id>",
		Short: "Delete every chunk of a parent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *knowledgeapp.App) error {
				n, err := app.Orchestrator.DeleteAll(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]any{"parentId": args[0], "deleted": n})
			})
		},
	}
}

func SearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Keyword search over chunk titles and content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parents, err := cmd.Flags().GetStringSlice("parent")
			if err != nil {
				return err
			}
			chunkType, err := cmd.Flags().GetString("chunk-type")
			if err != nil {
				return err
			}
			limit, err := cmd.Flags().GetInt("limit")
			if err != nil {
				return err
			}
			filter := knowledge.SearchFilter{Query: args[0], ParentIDs: parents, ChunkType: chunkType, Limit: limit}
			return withApp(cmd, func(ctx context.Context, app *knowledgeapp.App) error {
				chunks, err := app.Retriever.SearchChunks(ctx, filter)
				if err != nil {
					return err
				}
				return printJSON(cmd, chunks)
			})
		},
	}
	cmd.Flags().StringSlice("parent", nil, "restrict to parent ids")
	cmd.Flags().String("chunk-type", "", "restrict to a chunking strategy")
	cmd.Flags().Int("limit", knowledge.DefaultSearchLimit, "maximum results")
	return cmd
}

func SimilarCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "similar <text>",
		Short: "Embed text and rank chunks by cosine similarity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parents, err := cmd.Flags().GetStringSlice("parent")
			if err != nil {
				return err
			}
			limit, err := cmd.Flags().GetInt("limit")
			if err != nil {
				return err
			}
			threshold, err := cmd.Flags().GetFloat64("threshold")
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app *knowledgeapp.App) error {
				results, err := app.Retriever.FindSimilarByText(ctx, args[0], limit, knowledge.Threshold(threshold), parents)
				if err != nil {
					return err
				}
				return printJSON(cmd, results)
			})
		},
	}
	cmd.Flags().StringSlice("parent", nil, "restrict to parent ids, merged per parent")
	cmd.Flags().Int("limit", knowledge.DefaultSimilarityLimit, "maximum results")
	cmd.Flags().Float64("threshold", knowledge.DefaultSimilarityThreshold, "minimum cosine similarity")
	return cmd
}

func IngestPDFCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest-pdf <parent-id> <file.pdf>",
		Short: "Store a PDF and its page parts, convert it to markdown and chunk it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			strategy, opts, err := resolveStrategy(cmd)
			if err != nil {
				return err
			}
			splitSize, err := cmd.Flags().GetInt("split-size")
			if err != nil {
				return err
			}
			data, err := afero.ReadFile(afero.NewOsFs(), args[1])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, app *knowledgeapp.App) error {
				result, err := app.Ingestor.IngestPDF(ctx, ingest.PDFRequest{
					ParentID:  args[0],
					Document:  data,
					Strategy:  strategy,
					Config:    opts,
					SplitSize: splitSize,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			})
		},
	}
	strategyFlags(cmd)
	cmd.Flags().Int("split-size", 0, "pages per stored PDF part (0 uses blob.split_size)")
	return cmd
}

func IngestStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest-status <parent-id>",
		Short: "Show the last recorded PDF ingestion status of a parent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, app *knowledgeapp.App) error {
				status, found, err := app.Ingestor.Status(ctx, args[0])
				if err != nil {
					return err
				}
				if !found {
					return &knowledge.Error{Kind: knowledge.ErrNotFound, Op: "ingest_status", ParentID: args[0]}
				}
				return printJSON(cmd, status)
			})
		},
	}
}

func StrategiesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "strategies",
		Short: "List the registered chunking strategies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printJSON(cmd, chunk.NewDefaultRegistry().Names())
		},
	}
}

func VersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printJSON(cmd, version.Get())
		},
	}
}
