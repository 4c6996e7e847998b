// Package commands defines all Cobra CLI commands for the docqa binary.
package commands

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/m4ttr/docqa-go/internal/audit"
	"github.com/m4ttr/docqa-go/internal/config"
	"github.com/m4ttr/docqa-go/internal/logging"
)

// configPath holds the --config flag value for YAML config file override.
var configPath string

// cfg is the resolved configuration, populated before every command runs.
var cfg *config.Config

// loadedConfigPath stores the resolved config file path for audit logging.
var loadedConfigPath string

// NewRootCmd constructs the root Cobra command that all subcommands attach to.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "docqa",
		Short: "docqa — question answering over your own documents",
		Long: `docqa indexes local document collections (knowledge bases) into
per-collection SQLite databases and answers natural language questions
against them, with retrieval first and an optional LLM fallback for
questions the documents cannot answer.

Model provider is selected via the MODEL_PROVIDER environment variable
or a YAML config file (~/.docqa/config.yaml).
See 'docqa --help' for available commands.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			// A .env in the working directory is a convenience, not a requirement.
			_ = godotenv.Load()

			log := logging.New()

			// Load YAML config (env vars always override YAML values).
			loaded, path, err := config.Load(configPath, log)
			if err != nil {
				return err
			}
			cfg = loaded
			loadedConfigPath = path

			// Emit structured audit log for every command invocation.
			audit.LogCommandStart(log, cmd.Name(), loadedConfigPath)

			return nil
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file (default: ~/.docqa/config.yaml)")

	root.AddCommand(
		NewIndexCmd(),
		NewUpdateCmd(),
		NewAskCmd(),
		NewChatCmd(),
		NewExamplesCmd(),
		NewServeCmd(),
		NewVersionCmd(),
	)

	return root
}
