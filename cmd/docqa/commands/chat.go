package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/cloudwego/eino/callbacks"
	"github.com/spf13/cobra"

	"github.com/m4ttr/docqa-go/internal/logging"
	"github.com/m4ttr/docqa-go/internal/tracing"
)

// NewChatCmd constructs the `docqa chat` command, an interactive loop that
// keeps follow-up questions in the same conversation session.
func NewChatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive question-answering session",
		Long: `Start an interactive session on stdin. All questions share one
conversation, so follow-ups like "what about pricing?" are resolved
against the context of earlier questions. Type "exit" or "quit" (or
press Ctrl-D) to leave.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			// Langfuse tracing is opt-in, no-op if keys are absent.
			if handler, flush, ok := tracing.Setup(); ok {
				callbacks.AppendGlobalHandlers(handler)
				defer flush()
				log.Info("langfuse tracing enabled")
			}

			eng, _, closeKBs, err := buildEngine(ctx, log)
			if err != nil {
				return err
			}
			defer closeKBs()

			fmt.Println(`docqa chat — ask away ("exit" to leave)`)

			var sessionID string
			scanner := bufio.NewScanner(os.Stdin)
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					fmt.Println()
					break
				}
				question := strings.TrimSpace(scanner.Text())
				if question == "" {
					continue
				}
				if question == "exit" || question == "quit" {
					break
				}

				ans, sid, err := eng.Ask(ctx, sessionID, question)
				if err != nil {
					fmt.Fprintf(os.Stderr, "error: %v\n", err)
					continue
				}
				sessionID = sid

				printAnswer(ans)
				fmt.Println()
			}
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("chat: read stdin: %w", err)
			}
			return nil
		},
	}

	return cmd
}
