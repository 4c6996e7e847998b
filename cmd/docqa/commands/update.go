package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/m4ttr/docqa-go/internal/ingest"
	"github.com/m4ttr/docqa-go/internal/logging"
)

// NewUpdateCmd constructs the `docqa update` command, which re-ingests
// changed documents into existing knowledge base indexes.
func NewUpdateCmd() *cobra.Command {
	var policyFlag string

	cmd := &cobra.Command{
		Use:   "update [knowledge-base...]",
		Short: "Re-ingest changed documents into existing indexes",
		Long: `Scan the document directories of the named knowledge bases (all of them
when none are named) and re-ingest files whose content changed since the
last ingestion. Unchanged files are skipped by content hash.

The --policy flag controls what happens to a changed file's existing
chunks: "append" keeps them and adds the new ones after (the default,
which can retain stale text from edited files), "replace" drops them
first. Use 'docqa index' for a full rebuild.

Examples:
  docqa update
  docqa update support --policy replace`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			policy, err := ingest.ParsePolicy(policyFlag)
			if err != nil {
				return err
			}

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
				return fmt.Errorf("update: %w", err)
			}

			kbs, closeKBs, err := openKBs(kbCfgs)
			if err != nil {
				return err
			}
			defer closeKBs()

			for i, kb := range kbs {
				log.Info("update: scanning",
					slog.String("kb", kb.Name()),
					slog.String("docs", kbCfgs[i].Docs),
				)
				stats, err := pipeline.Update(ctx, kb, kbCfgs[i].Docs, policy)
				if err != nil {
					return fmt.Errorf("update %s: %w", kb.Name(), err)
				}
				fmt.Printf("%s: %d files ingested, %d chunks added (%d unchanged or skipped)\n",
					kb.Name(), stats.Files, stats.Chunks, stats.Skipped)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&policyFlag, "policy", "append", `Chunk policy for changed files: "append" or "replace"`)

	return cmd
}
