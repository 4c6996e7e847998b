package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/m4ttr/docqa-go/internal/fewshot"
	"github.com/m4ttr/docqa-go/internal/logging"
)

// NewExamplesCmd constructs the `docqa examples` command, which re-embeds
// the few-shot example files and refreshes the per-knowledge-base caches.
func NewExamplesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "examples [knowledge-base...]",
		Short: "Rebuild the few-shot example caches",
		Long: `Re-embed the configured few-shot example files and persist the embeddings
into each knowledge base's index. The cache is normally rebuilt on demand
when the embedding model changes; run this after editing the example files
themselves.

Examples:
  docqa examples
  docqa examples support`,
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

			selector, err := fewshot.NewSelector(emb)
			if err != nil {
				return fmt.Errorf("examples: %w", err)
			}

			kbs, closeKBs, err := openKBs(kbCfgs)
			if err != nil {
				return err
			}
			defer closeKBs()

			for i, kb := range kbs {
				path := examplesPath(kbCfgs[i])
				if path == "" {
					fmt.Printf("%s: no examples configured, skipping\n", kb.Name())
					continue
				}
				n, err := selector.RebuildKB(ctx, kb, path)
				if err != nil {
					return fmt.Errorf("examples %s: %w", kb.Name(), err)
				}
				fmt.Printf("%s: %d examples embedded and cached\n", kb.Name(), n)
			}
			return nil
		},
	}

	return cmd
}
