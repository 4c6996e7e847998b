package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/m4ttr/docqa-go/internal/ingest"
	"github.com/m4ttr/docqa-go/internal/logging"
)

// NewIndexCmd constructs the `docqa index` command, which rebuilds the
// search index of one or more knowledge bases from scratch.
func NewIndexCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index [knowledge-base...]",
		Short: "Rebuild knowledge base indexes from their documents",
		Long: `Rebuild the search index of the named knowledge bases (all of them when
none are named). The new index is built alongside the old one and swapped
in atomically, so readers keep a consistent view throughout.

Examples:
  docqa index
  docqa index support
  docqa index support product`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			kbCfgs, err := selectKBs(args)
			if err != nil {
				return err
			}

			emb, err := buildEmbedder(ctx)
			if err != nil {
				return err
			}

			pipeline, err := ingest.NewPipeline(emb, ingest.Config{
				MaxChunkSize: cfg.Retrieval.MaxChunkSize,
				Overlap:      cfg.Retrieval.Overlap,
			})
			if err != nil {
				return fmt.Errorf("index: %w", err)
			}

			for _, kc := range kbCfgs {
				log.Info("index: rebuilding",
					slog.String("kb", kc.Name),
					slog.String("docs", kc.Docs),
				)
				stats, err := pipeline.Rebuild(ctx, kc.Name, kc.Docs, kc.DBPath())
				if err != nil {
					return fmt.Errorf("index %s: %w", kc.Name, err)
				}
				fmt.Printf("%s: %d files indexed, %d chunks (%d files skipped)\n",
					kc.Name, stats.Files, stats.Chunks, stats.Skipped)
			}
			return nil
		},
	}

	return cmd
}
