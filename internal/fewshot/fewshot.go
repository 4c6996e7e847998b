// Package fewshot selects few-shot examples for the generation fallback.
// Examples are loaded from line-delimited JSON files, normalized onto one
// canonical input/output shape at load time, embedded once, and cached in
// each knowledge base's database keyed by the embedding model identity — a
// model switch invalidates the cache wholesale. Selection ranks examples by
// cosine similarity against a single query embedding and reports a lexical
// confidence estimate alongside.
package fewshot

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/m4ttr/docqa-go/internal/embedder"
	"github.com/m4ttr/docqa-go/internal/logging"
	"github.com/m4ttr/docqa-go/internal/rank"
	"github.com/m4ttr/docqa-go/internal/store"
)

// inputAliases and outputAliases are the recognized field names for example
// records, checked in order. Records with no recognizable input or output
// field are skipped with a warning.
var (
	inputAliases  = []string{"input", "question", "prompt", "query", "q", "text"}
	outputAliases = []string{"output", "answer", "response", "completion", "a"}
)

// Example is one normalized few-shot example.
type Example struct {
	// Input is the canonical input text.
	Input string
	// Output is the expected output text.
	Output string
	// Embedding is the embedding of Input under the active model.
	Embedding []float32
}

// Selected is one example chosen for a query, tagged with its origin.
type Selected struct {
	// KB is the knowledge base the example belongs to.
	KB string
	// Example is the chosen example.
	Example Example
}

// kbIndex holds one knowledge base's embedded examples in memory.
type kbIndex struct {
	name     string
	examples []Example
}

// Selector ranks few-shot examples across knowledge bases.
type Selector struct {
	emb     embedder.Client
	indexes []*kbIndex
}

// NewSelector constructs an empty Selector. Knowledge bases are attached
// with AddKB.
func NewSelector(emb embedder.Client) (*Selector, error) {
	if emb == nil {
		return nil, fmt.Errorf("fewshot: embedder must not be nil")
	}
	return &Selector{emb: emb}, nil
}

// AddKB attaches one knowledge base's examples to the selector, using the
// cache persisted in the knowledge base when it was built under the same
// embedding model identity and rebuilding it otherwise. An empty path
// attaches nothing.
func (s *Selector) AddKB(ctx context.Context, kb *store.KB, path string) error {
	if path == "" {
		return nil
	}
	log := logging.FromContext(ctx)

	identity := s.emb.Identity()
	cached, ok, err := kb.FewshotCache(ctx, identity)
	if err != nil {
		return fmt.Errorf("fewshot: load cache for %s: %w", kb.Name(), err)
	}
	if ok {
		s.indexes = append(s.indexes, &kbIndex{name: kb.Name(), examples: fromCached(cached)})
		log.Debug("fewshot: cache hit",
			slog.String("kb", kb.Name()),
			slog.Int("examples", len(cached)),
		)
		return nil
	}

	_, err = s.rebuild(ctx, kb, path)
	return err
}

// RebuildKB re-embeds and re-caches one knowledge base's examples
// unconditionally, ignoring any existing cache. Returns the number of
// examples indexed. Used by `docqa examples` after the example files change.
func (s *Selector) RebuildKB(ctx context.Context, kb *store.KB, path string) (int, error) {
	if path == "" {
		return 0, nil
	}
	return s.rebuild(ctx, kb, path)
}

// rebuild loads, embeds, persists, and attaches the examples for one
// knowledge base.
func (s *Selector) rebuild(ctx context.Context, kb *store.KB, path string) (int, error) {
	log := logging.FromContext(ctx)
	identity := s.emb.Identity()

	examples, skipped, err := LoadExamples(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("fewshot: load examples for %s: %w", kb.Name(), err)
	}
	if skipped > 0 {
		log.Warn("fewshot: skipped malformed example records",
			slog.String("kb", kb.Name()),
			slog.Int("skipped", skipped),
		)
	}
	if len(examples) == 0 {
		return 0, nil
	}

	inputs := make([]string, len(examples))
	for i, ex := range examples {
		inputs[i] = ex.Input
	}
	vecs, err := s.emb.Embed(ctx, inputs)
	if err != nil {
		return 0, fmt.Errorf("fewshot: embed examples for %s: %w", kb.Name(), err)
	}
	for i := range examples {
		examples[i].Embedding = vecs[i]
	}

	if err := kb.ReplaceFewshotCache(ctx, identity, toCached(examples)); err != nil {
		return 0, fmt.Errorf("fewshot: persist cache for %s: %w", kb.Name(), err)
	}
	s.indexes = append(s.indexes, &kbIndex{name: kb.Name(), examples: examples})
	log.Info("fewshot: index rebuilt",
		slog.String("kb", kb.Name()),
		slog.String("model", identity),
		slog.Int("examples", len(examples)),
	)
	return len(examples), nil
}

// Empty reports whether no examples are attached at all.
func (s *Selector) Empty() bool {
	for _, idx := range s.indexes {
		if len(idx.examples) > 0 {
			return false
		}
	}
	return true
}

// Select embeds the query once and returns the top perKB examples from each
// knowledge base, best first within each, concatenated in knowledge-base
// order. Confidence is the maximum lexical token-overlap ratio between the
// query and any selected example's input — a cheap heuristic proxy for
// answer-correctness, not a semantic measure.
func (s *Selector) Select(ctx context.Context, query string, perKB int) ([]Selected, float64, error) {
	if perKB <= 0 {
		perKB = 3
	}
	if s.Empty() {
		return nil, 0, nil
	}

	qvecs, err := s.emb.Embed(ctx, []string{query})
	if err != nil {
		return nil, 0, fmt.Errorf("fewshot: embed query: %w", err)
	}
	qvec := qvecs[0]
	queryTokens := tokenSet(query)

	var selected []Selected
	confidence := 0.0
	for _, idx := range s.indexes {
		ranked := make([]Example, len(idx.examples))
		copy(ranked, idx.examples)
		sort.SliceStable(ranked, func(i, j int) bool {
			return rank.Cosine(qvec, ranked[i].Embedding) > rank.Cosine(qvec, ranked[j].Embedding)
		})
		if len(ranked) > perKB {
			ranked = ranked[:perKB]
		}
		for _, ex := range ranked {
			selected = append(selected, Selected{KB: idx.name, Example: ex})
			if r := overlapRatio(queryTokens, ex.Input); r > confidence {
				confidence = r
			}
		}
	}
	return selected, confidence, nil
}

// BuildPrompt assembles the generation prompt: each selected example as an
// input/output pair, followed by the live query.
func BuildPrompt(selected []Selected, query string) string {
	var sb strings.Builder
	sb.WriteString("Answer the final input in the style of the examples.\n\n")
	for _, s := range selected {
		sb.WriteString("Input: ")
		sb.WriteString(s.Example.Input)
		sb.WriteString("\nOutput: ")
		sb.WriteString(s.Example.Output)
		sb.WriteString("\n\n")
	}
	sb.WriteString("Input: ")
	sb.WriteString(query)
	sb.WriteString("\nOutput:")
	return sb.String()
}

// LoadExamples reads example records from a JSONL file, or from every
// *.jsonl file under a directory. It returns the normalized examples and
// the number of records skipped as malformed.
func LoadExamples(ctx context.Context, path string) ([]Example, int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, 0, fmt.Errorf("fewshot: stat %s: %w", path, err)
	}

	var files []string
	if info.IsDir() {
		err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if strings.HasSuffix(strings.ToLower(d.Name()), ".jsonl") {
				files = append(files, p)
			}
			return nil
		})
		if err != nil {
			return nil, 0, fmt.Errorf("fewshot: walk %s: %w", path, err)
		}
		sort.Strings(files)
	} else {
		files = []string{path}
	}

	var examples []Example
	skipped := 0
	for _, f := range files {
		ex, sk, err := loadFile(ctx, f)
		if err != nil {
			return nil, 0, err
		}
		examples = append(examples, ex...)
		skipped += sk
	}
	return examples, skipped, nil
}

// loadFile parses one JSONL file, normalizing field aliases onto the
// canonical Example shape. Unparseable or unrecognizable lines are counted
// and logged, never fatal.
func loadFile(ctx context.Context, path string) ([]Example, int, error) {
	log := logging.FromContext(ctx)

	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("fewshot: open %s: %w", path, err)
	}
	defer f.Close()

	var examples []Example
	skipped := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			log.Warn("fewshot: unparseable example record",
				slog.String("file", filepath.Base(path)),
				slog.Int("line", lineNo),
				slog.Any("error", err),
			)
			skipped++
			continue
		}
		input := firstString(record, inputAliases)
		output := firstString(record, outputAliases)
		if input == "" || output == "" {
			log.Warn("fewshot: example record has no recognizable input/output field",
				slog.String("file", filepath.Base(path)),
				slog.Int("line", lineNo),
			)
			skipped++
			continue
		}
		examples = append(examples, Example{Input: input, Output: output})
	}
	if err := sc.Err(); err != nil {
		return nil, 0, fmt.Errorf("fewshot: read %s: %w", path, err)
	}
	return examples, skipped, nil
}

// firstString returns the first non-empty string value among the aliases.
func firstString(record map[string]any, aliases []string) string {
	for _, key := range aliases {
		if v, ok := record[key].(string); ok {
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		}
	}
	return ""
}

// tokenSet returns the distinct lexical tokens of s.
func tokenSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, tok := range rank.Tokens(s) {
		set[tok] = true
	}
	return set
}

// overlapRatio computes |query ∩ input| / |input tokens|.
func overlapRatio(queryTokens map[string]bool, input string) float64 {
	seen := map[string]bool{}
	matched := 0
	for _, tok := range rank.Tokens(input) {
		if seen[tok] {
			continue
		}
		seen[tok] = true
		if queryTokens[tok] {
			matched++
		}
	}
	if len(seen) == 0 {
		return 0
	}
	return float64(matched) / float64(len(seen))
}

// fromCached converts persisted cache rows to Examples.
func fromCached(cached []store.CachedExample) []Example {
	out := make([]Example, len(cached))
	for i, c := range cached {
		out[i] = Example{Input: c.Input, Output: c.Output, Embedding: c.Embedding}
	}
	return out
}

// toCached converts Examples to persisted cache rows.
func toCached(examples []Example) []store.CachedExample {
	out := make([]store.CachedExample, len(examples))
	for i, ex := range examples {
		out[i] = store.CachedExample{Input: ex.Input, Output: ex.Output, Embedding: ex.Embedding}
	}
	return out
}
