package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cloudwego/eino/callbacks"
	"github.com/spf13/cobra"

	"github.com/m4ttr/docqa-go/internal/embedder"
	"github.com/m4ttr/docqa-go/internal/ingest"
	"github.com/m4ttr/docqa-go/internal/logging"
	"github.com/m4ttr/docqa-go/internal/server"
	"github.com/m4ttr/docqa-go/internal/store"
	"github.com/m4ttr/docqa-go/internal/tracing"
	"github.com/m4ttr/docqa-go/internal/watch"
)

// NewServeCmd constructs the `docqa serve` command, which starts the HTTP
// question-answering API.
func NewServeCmd() *cobra.Command {
	var host string
	var port int
	var watchDocs bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the docqa HTTP API server",
		Long: `Start the docqa HTTP server.

The server exposes POST /api/ask for question answering, GET /api/kb for
index statistics, liveness and readiness probes, and Prometheus metrics
on /metrics. With --watch, document directories are monitored and their
indexes refreshed automatically when files change.

Examples:
  docqa serve
  docqa serve --port 9090 --watch
  MODEL_PROVIDER=azure docqa serve`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			log.Info("serve starting", slog.String("provider", os.Getenv("MODEL_PROVIDER")))

			// Setup Langfuse tracing — opt-in, no-op if keys are absent.
			handler, flush, ok := tracing.Setup()
			if ok {
				callbacks.AppendGlobalHandlers(handler)
				defer flush()
				log.Info("langfuse tracing enabled")
			} else {
				log.Info("langfuse tracing disabled", slog.String("reason", "LANGFUSE_PUBLIC_KEY not set"))
			}

			eng, kbs, closeKBs, err := buildEngine(ctx, log)
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			defer closeKBs()

			// The pinger gets its own client handle; probing shares the
			// backend but not the engine's request path.
			pingEmb, err := embedder.NewFromEnv()
			if err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			pingers := []server.Pinger{server.NewEmbedderPinger(pingEmb, "embedder")}
			statters := make([]server.KBStatter, len(kbs))
			for i, kb := range kbs {
				pingers = append(pingers, server.NewKBPinger(kb))
				statters[i] = kb
			}

			if !cmd.Flags().Changed("host") && cfg.Server.Host != "" {
				host = cfg.Server.Host
			}
			if !cmd.Flags().Changed("port") && cfg.Server.Port != 0 {
				port = cfg.Server.Port
			}

			srv, err := server.New(eng, statters, &server.Config{
				Host:    host,
				Port:    port,
				Logger:  log,
				Pingers: pingers,
				APIKey:  cfg.Server.APIKey,
			})
			if err != nil {
				return fmt.Errorf("serve: failed to create server: %w", err)
			}

			if watchDocs {
				w, err := newDocWatcher(kbs)
				if err != nil {
					return fmt.Errorf("serve: %w", err)
				}
				defer w.Close()
				go func() {
					if err := w.Run(ctx); err != nil {
						log.Error("serve: document watcher stopped", slog.Any("error", err))
					}
				}()
				log.Info("serve: watching document directories for changes")
			}

			return srv.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "Host address to bind to")
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "TCP port to listen on")
	cmd.Flags().BoolVar(&watchDocs, "watch", false, "Re-index knowledge bases when their documents change")

	return cmd
}

// newDocWatcher builds the filesystem watcher that re-ingests a knowledge
// base after its documents change. Changed files replace their old chunks;
// deletions are left to a full `docqa index` rebuild.
func newDocWatcher(kbs []*store.KB) (*watch.Watcher, error) {
	emb, err := embedder.NewFromEnv()
	if err != nil {
		return nil, err
	}
	pipeline, err := ingest.NewPipeline(emb, ingest.Config{
		MaxChunkSize: cfg.Retrieval.MaxChunkSize,
		Overlap:      cfg.Retrieval.Overlap,
	})
	if err != nil {
		return nil, err
	}

	byName := make(map[string]*store.KB, len(kbs))
	for _, kb := range kbs {
		byName[kb.Name()] = kb
	}
	docsByName := make(map[string]string, len(cfg.KnowledgeBases))
	targets := make([]watch.Target, 0, len(cfg.KnowledgeBases))
	for _, kc := range cfg.KnowledgeBases {
		docsByName[kc.Name] = kc.Docs
		targets = append(targets, watch.Target{KB: kc.Name, Dir: kc.Docs})
	}

	return watch.New(targets, 0, func(ctx context.Context, name string) error {
		kb, ok := byName[name]
		if !ok {
			return fmt.Errorf("no open handle for knowledge base %q", name)
		}
		_, err := pipeline.Update(ctx, kb, docsByName[name], ingest.PolicyReplace)
		return err
	})
}
