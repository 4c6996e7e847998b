// Package ingest implements the document ingestion pipeline: discover files,
// extract and segment their text, embed each chunk, and write the results
// into a knowledge base store. It is invoked by the `docqa index` and
// `docqa update` CLI commands and by the filesystem watcher.
package ingest

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/m4ttr/docqa-go/internal/docload"
	"github.com/m4ttr/docqa-go/internal/embedder"
	"github.com/m4ttr/docqa-go/internal/logging"
	"github.com/m4ttr/docqa-go/internal/segment"
	"github.com/m4ttr/docqa-go/internal/store"
)

// Policy selects how an incremental update treats a changed document.
type Policy string

const (
	// PolicyAppend stores the changed document's new chunks with fresh ids
	// while the old chunks remain retrievable. This is the default; callers
	// must be aware it can leave superseded content retrievable.
	PolicyAppend Policy = "append"

	// PolicyReplace deletes the changed document's prior chunks before
	// storing the new ones.
	PolicyReplace Policy = "replace"
)

// ParsePolicy validates a policy string, defaulting to append when empty.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "":
		return PolicyAppend, nil
	case PolicyAppend, PolicyReplace:
		return Policy(s), nil
	default:
		return "", fmt.Errorf("ingest: unknown update policy %q — valid values: append, replace", s)
	}
}

// Config holds the segmentation settings applied to every document.
type Config struct {
	// MaxChunkSize is the chunk character budget. Defaults to 1000 if zero.
	MaxChunkSize int
	// Overlap is the chunk overlap in characters.
	Overlap int
}

// Stats summarizes one pipeline run.
type Stats struct {
	// Files is the number of documents processed (segmented and embedded).
	Files int
	// Skipped is the number of documents skipped as unchanged or unreadable.
	Skipped int
	// Chunks is the total number of chunks written.
	Chunks int
}

// Pipeline orchestrates the discover → extract → segment → embed → store flow.
type Pipeline struct {
	// emb converts chunk texts into embeddings.
	emb embedder.Client
	// cfg holds the resolved segmentation settings.
	cfg Config
}

// NewPipeline constructs a Pipeline from the provided dependencies and config.
func NewPipeline(emb embedder.Client, cfg Config) (*Pipeline, error) {
	if emb == nil {
		return nil, fmt.Errorf("ingest: embedder must not be nil")
	}
	if cfg.MaxChunkSize <= 0 {
		cfg.MaxChunkSize = 1000
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 0
	}
	return &Pipeline{emb: emb, cfg: cfg}, nil
}

// Rebuild recreates the knowledge base from scratch. It builds a fresh
// database at a temporary path and promotes it with an atomic rename, so a
// reader never observes a partially built knowledge base; on any failure the
// temporary file is discarded and the previous database stays in place.
//
// Unreadable and empty documents are logged and skipped. An embedding
// failure aborts the whole rebuild — a half-embedded corpus is never
// promoted.
func (p *Pipeline) Rebuild(ctx context.Context, name, docsDir, dbPath string) (Stats, error) {
	log := logging.FromContext(ctx)

	files, err := docload.Discover(docsDir)
	if err != nil {
		return Stats{}, fmt.Errorf("ingest: discover %s: %w", docsDir, err)
	}

	tmpPath := dbPath + ".tmp"
	_ = os.Remove(tmpPath) // stale leftover from a crashed rebuild

	kb, err := store.Open(name, tmpPath)
	if err != nil {
		return Stats{}, fmt.Errorf("ingest: open temp db: %w", err)
	}

	var stats Stats
	for _, f := range files {
		n, err := p.ingestFile(ctx, kb, f, PolicyReplace)
		if err != nil {
			if isSkip(err) {
				log.Warn("ingest: skipping document", slog.String("doc", f.Doc), slog.Any("error", err))
				stats.Skipped++
				continue
			}
			_ = kb.Close()
			_ = os.Remove(tmpPath)
			return Stats{}, fmt.Errorf("ingest: rebuild %s: %w", name, err)
		}
		stats.Files++
		stats.Chunks += n
	}

	if err := kb.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return Stats{}, fmt.Errorf("ingest: close temp db: %w", err)
	}
	if err := os.Rename(tmpPath, dbPath); err != nil {
		_ = os.Remove(tmpPath)
		return Stats{}, fmt.Errorf("ingest: promote %s: %w", dbPath, err)
	}

	log.Info("ingest: rebuild complete",
		slog.String("kb", name),
		slog.Int("files", stats.Files),
		slog.Int("chunks", stats.Chunks),
		slog.Int("skipped", stats.Skipped),
	)
	return stats, nil
}

// Update re-indexes only the documents whose content hash changed since the
// last run. Each document is written in its own transaction: a failure on
// one file never rolls back files already committed in the same batch, and
// the remaining files are still processed. The combined error (if any) is
// returned alongside the stats of the files that succeeded.
func (p *Pipeline) Update(ctx context.Context, kb *store.KB, docsDir string, policy Policy) (Stats, error) {
	log := logging.FromContext(ctx)

	files, err := docload.Discover(docsDir)
	if err != nil {
		return Stats{}, fmt.Errorf("ingest: discover %s: %w", docsDir, err)
	}

	var stats Stats
	var errs []error
	for _, f := range files {
		n, err := p.ingestFile(ctx, kb, f, policy)
		if err != nil {
			if isSkip(err) {
				log.Warn("ingest: skipping document", slog.String("doc", f.Doc), slog.Any("error", err))
				stats.Skipped++
				continue
			}
			log.Error("ingest: document failed", slog.String("doc", f.Doc), slog.Any("error", err))
			errs = append(errs, fmt.Errorf("%s: %w", f.Doc, err))
			continue
		}
		if n < 0 {
			stats.Skipped++ // unchanged
			continue
		}
		stats.Files++
		stats.Chunks += n
	}

	log.Info("ingest: update complete",
		slog.String("kb", kb.Name()),
		slog.String("policy", string(policy)),
		slog.Int("files", stats.Files),
		slog.Int("chunks", stats.Chunks),
		slog.Int("skipped", stats.Skipped),
		slog.Int("failed", len(errs)),
	)
	return stats, errors.Join(errs...)
}

// errSkipped marks per-document conditions that skip the file rather than
// fail the batch (unreadable bytes, empty extracted text).
var errSkipped = errors.New("document skipped")

func isSkip(err error) bool { return errors.Is(err, errSkipped) }

// ingestFile processes one document end to end. It returns the number of
// chunks written, or -1 when the document was skipped as unchanged.
func (p *Pipeline) ingestFile(ctx context.Context, kb *store.KB, f docload.File, policy Policy) (int, error) {
	raw, err := docload.ReadBytes(f)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errSkipped, err)
	}

	hash := fmt.Sprintf("%x", sha256.Sum256(raw))
	stored, known, err := kb.FileHash(ctx, f.Doc)
	if err != nil {
		return 0, err
	}
	if known && stored == hash {
		return -1, nil
	}

	text, err := docload.ExtractText(ctx, f, raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errSkipped, err)
	}

	texts := segment.Split(text, segment.Options{
		MaxChunkSize: p.cfg.MaxChunkSize,
		Overlap:      p.cfg.Overlap,
	})
	if len(texts) == 0 {
		return 0, fmt.Errorf("%w: no extractable text", errSkipped)
	}

	vecs, err := p.emb.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embed %s: %w", f.Doc, err)
	}
	if len(vecs) != len(texts) {
		return 0, fmt.Errorf("embed %s: %d vectors for %d chunks", f.Doc, len(vecs), len(texts))
	}

	chunks := make([]store.Chunk, len(texts))
	for i, t := range texts {
		chunks[i] = store.Chunk{Text: t, Embedding: vecs[i]}
	}

	if policy == PolicyReplace {
		err = kb.ReplaceDoc(ctx, f.Doc, hash, chunks)
	} else {
		err = kb.AppendDoc(ctx, f.Doc, hash, chunks)
	}
	if err != nil {
		return 0, err
	}
	return len(chunks), nil
}
