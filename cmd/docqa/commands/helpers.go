package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/m4ttr/docqa-go/internal/config"
	"github.com/m4ttr/docqa-go/internal/embedder"
	"github.com/m4ttr/docqa-go/internal/fewshot"
	"github.com/m4ttr/docqa-go/internal/provider"
	"github.com/m4ttr/docqa-go/internal/rank"
	"github.com/m4ttr/docqa-go/internal/router"
	"github.com/m4ttr/docqa-go/internal/store"
)

// selectKBs returns the configured knowledge bases named by args, or all of
// them when args is empty.
func selectKBs(args []string) ([]config.KBConfig, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(args) == 0 {
		return cfg.KnowledgeBases, nil
	}
	var out []config.KBConfig
	for _, name := range args {
		kb, ok := cfg.KB(name)
		if !ok {
			return nil, fmt.Errorf("unknown knowledge base %q", name)
		}
		out = append(out, kb)
	}
	return out, nil
}

// openKBs opens the index of every given knowledge base. The returned close
// function closes whatever was opened, in both success and error paths.
func openKBs(kbCfgs []config.KBConfig) ([]*store.KB, func(), error) {
	var kbs []*store.KB
	closeAll := func() {
		for _, kb := range kbs {
			_ = kb.Close()
		}
	}
	for _, kc := range kbCfgs {
		kb, err := store.Open(kc.Name, kc.DBPath())
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("open knowledge base %s: %w", kc.Name, err)
		}
		kbs = append(kbs, kb)
	}
	return kbs, closeAll, nil
}

// examplesPath resolves the few-shot example path for one knowledge base,
// falling back to the global examples path.
func examplesPath(kc config.KBConfig) string {
	if kc.Examples != "" {
		return kc.Examples
	}
	return cfg.Examples.Path
}

// buildEmbedder constructs the embedding client from the environment and
// probes the backend once so misconfiguration fails fast.
func buildEmbedder(ctx context.Context) (embedder.Client, error) {
	emb, err := embedder.NewFromEnv()
	if err != nil {
		return nil, fmt.Errorf("initialise embedder: %w", err)
	}
	if err := embedder.Validate(ctx, emb); err != nil {
		return nil, fmt.Errorf("embedding backend unreachable: %w", err)
	}
	return emb, nil
}

// buildEngine wires the full answering engine: embedder, knowledge bases,
// ranker, few-shot selector, and the optional generation fallback. The
// returned close function releases the knowledge base handles.
func buildEngine(ctx context.Context, log *slog.Logger) (*router.Router, []*store.KB, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}

	emb, err := buildEmbedder(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	kbs, closeKBs, err := openKBs(cfg.KnowledgeBases)
	if err != nil {
		return nil, nil, nil, err
	}

	sources := make([]rank.CandidateSource, len(kbs))
	for i, kb := range kbs {
		sources[i] = kb
	}
	ranker, err := rank.New(emb, sources, rank.Config{
		CandidateLimit:  cfg.Retrieval.CandidateLimit,
		TopK:            cfg.Retrieval.TopK,
		MinSimilarity:   cfg.Retrieval.MinSimilarity,
		DirectThreshold: cfg.Router.Threshold,
	})
	if err != nil {
		closeKBs()
		return nil, nil, nil, fmt.Errorf("initialise ranker: %w", err)
	}

	var sel router.ExampleSelector
	fs, err := fewshot.NewSelector(emb)
	if err != nil {
		closeKBs()
		return nil, nil, nil, fmt.Errorf("initialise example selector: %w", err)
	}
	for i, kb := range kbs {
		if err := fs.AddKB(ctx, kb, examplesPath(cfg.KnowledgeBases[i])); err != nil {
			closeKBs()
			return nil, nil, nil, err
		}
	}
	if !fs.Empty() {
		sel = fs
	}

	// The generation fallback is best-effort: a missing or misconfigured
	// model provider degrades to retrieval-only answering.
	var gen provider.Generator
	if cfg.Router.Fallback {
		cm, provErr := provider.NewFromEnv(ctx)
		if provErr != nil {
			log.Warn("model provider unavailable, generation fallback disabled",
				slog.String("provider", os.Getenv("MODEL_PROVIDER")),
				slog.Any("error", provErr),
			)
		} else {
			gen = provider.NewChatGenerator(cm)
		}
	}

	eng, err := router.New(ranker, sel, gen, nil, router.Config{
		Threshold:       cfg.Router.Threshold,
		SessionCap:      cfg.Router.SessionCap,
		SessionTTL:      time.Duration(cfg.Router.SessionTTLMinutes) * time.Minute,
		MaxContextTerms: cfg.Router.MaxContextTerms,
		ExamplesPerKB:   cfg.Examples.TopK,
		HistoryTokens:   cfg.Router.HistoryTokens,
		Temperature:     cfg.Model.Temperature,
		MaxTokens:       cfg.Model.MaxTokens,
	})
	if err != nil {
		closeKBs()
		return nil, nil, nil, fmt.Errorf("initialise router: %w", err)
	}

	return eng, kbs, closeKBs, nil
}

// printAnswer writes one answer to stdout in the CLI's plain-text format.
func printAnswer(ans router.Answer) {
	fmt.Println(ans.Text)
	if len(ans.Sources) > 0 {
		fmt.Println()
		for _, src := range ans.Sources {
			fmt.Printf("  [%s] %s #%d (score %.2f)\n", src.KB, src.Doc, src.ChunkPosition, src.Score)
		}
	}
}
