package commands

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/m4ttr/docqa-go/internal/logging"
)

// NewAskCmd constructs the `docqa ask` command, which answers a single
// question and prints the answer with its sources.
func NewAskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a single question against the indexed documents",
		Long: `Answer one natural language question from the indexed knowledge bases.
Answers found in the documents cite their sources; questions the documents
cannot answer fall back to the configured model provider, or to a fixed
no-answer message when no provider is available.

Examples:
  docqa ask "how long do refunds take?"
  docqa ask what is the enterprise SLA`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			eng, _, closeKBs, err := buildEngine(ctx, log)
			if err != nil {
				return err
			}
			defer closeKBs()

			question := strings.Join(args, " ")
			ans, _, err := eng.Ask(ctx, "", question)
			if err != nil {
				return err //nolint:wrapcheck // CLI entry point — error goes directly to cobra
			}

			printAnswer(ans)
			return nil
		},
	}

	return cmd
}
