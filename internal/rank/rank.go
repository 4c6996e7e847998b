// Package rank turns a user query into an ordered list of retrieval hits
// across one or more knowledge bases. Candidates are pruned by full-text
// relevance, re-ranked by cosine similarity against a single query embedding,
// and merged globally. Chunks carrying a stored Q/A pair get a deterministic
// shortcut: when the stored question overlaps the live query strongly enough,
// the stored answer is returned verbatim and generation is never consulted.
package rank

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/m4ttr/docqa-go/internal/embedder"
	"github.com/m4ttr/docqa-go/internal/store"
)

// epsilon guards the cosine denominator against degenerate zero vectors.
const epsilon = 1e-9

// CandidateSource is the per-knowledge-base retrieval surface the Ranker
// consumes. *store.KB satisfies it.
type CandidateSource interface {
	Name() string
	Candidates(ctx context.Context, query string, limit int) ([]store.Chunk, error)
}

// Hit is one ranked retrieval result.
type Hit struct {
	// KB is the knowledge base the chunk came from.
	KB string
	// Doc is the source document identifier.
	Doc string
	// ChunkID is the chunk's position within its document.
	ChunkID int
	// Text is the chunk text.
	Text string
	// Score is the cosine similarity in [-1, 1].
	Score float64
}

// Result is the outcome of one ranking call.
type Result struct {
	// Hits is the global top-k, highest score first. Empty when
	// Insufficient is true.
	Hits []Hit

	// Answer is the stored answer returned by the direct Q/A shortcut.
	Answer string
	// AnswerHit is the hit the direct answer came from, for source reporting.
	AnswerHit Hit
	// Direct is true when Answer was taken verbatim from a stored Q/A pair.
	Direct bool

	// Insufficient is true when no chunk cleared the minimum-similarity
	// floor. A first-class outcome, not an error.
	Insufficient bool
}

// Config tunes the Ranker.
type Config struct {
	// CandidateLimit caps the full-text prune per knowledge base.
	// Defaults to 50 if zero.
	CandidateLimit int
	// TopK is the number of hits kept per knowledge base and globally.
	// Defaults to 4 if zero.
	TopK int
	// MinSimilarity is the hard floor below which the result is reported as
	// insufficient. Zero selects the default of 0.25; a negative value
	// disables the floor entirely.
	MinSimilarity float64
	// DirectThreshold is the token-overlap ratio a stored question must reach
	// for its answer to be returned verbatim. Defaults to 0.38 if zero.
	DirectThreshold float64
}

// Ranker ranks chunks across knowledge bases.
type Ranker struct {
	emb     embedder.Client
	sources []CandidateSource
	cfg     Config
}

// New constructs a Ranker over the given knowledge bases.
func New(emb embedder.Client, sources []CandidateSource, cfg Config) (*Ranker, error) {
	if emb == nil {
		return nil, fmt.Errorf("rank: embedder must not be nil")
	}
	if len(sources) == 0 {
		return nil, fmt.Errorf("rank: at least one knowledge base is required")
	}
	if cfg.CandidateLimit <= 0 {
		cfg.CandidateLimit = 50
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 4
	}
	if cfg.MinSimilarity == 0 {
		cfg.MinSimilarity = 0.25
	}
	if cfg.DirectThreshold == 0 {
		cfg.DirectThreshold = 0.38
	}
	return &Ranker{emb: emb, sources: sources, cfg: cfg}, nil
}

// Rank retrieves, re-ranks, and merges hits for the query. The query is
// embedded exactly once regardless of how many knowledge bases are searched.
func (r *Ranker) Rank(ctx context.Context, query string) (Result, error) {
	q := Normalize(query)
	if q == "" {
		return Result{Insufficient: true}, nil
	}

	qvecs, err := r.emb.Embed(ctx, []string{q})
	if err != nil {
		return Result{}, fmt.Errorf("rank: embed query: %w", err)
	}
	qvec := qvecs[0]

	var merged []Hit
	for _, src := range r.sources {
		candidates, err := src.Candidates(ctx, q, r.cfg.CandidateLimit)
		if err != nil {
			return Result{}, fmt.Errorf("rank: candidates from %s: %w", src.Name(), err)
		}

		hits := make([]Hit, 0, len(candidates))
		for _, c := range candidates {
			hits = append(hits, Hit{
				KB:      src.Name(),
				Doc:     c.Doc,
				ChunkID: c.ChunkID,
				Text:    c.Text,
				Score:   Cosine(qvec, c.Embedding),
			})
		}
		sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
		if len(hits) > r.cfg.TopK {
			hits = hits[:r.cfg.TopK]
		}
		merged = append(merged, hits...)
	}

	sort.SliceStable(merged, func(i, j int) bool { return merged[i].Score > merged[j].Score })
	if len(merged) > r.cfg.TopK {
		merged = merged[:r.cfg.TopK]
	}

	if len(merged) == 0 {
		return Result{Insufficient: true}, nil
	}
	if r.cfg.MinSimilarity >= 0 && merged[0].Score < r.cfg.MinSimilarity {
		return Result{Insufficient: true}, nil
	}

	res := Result{Hits: merged}
	if answer, hit, ok := r.directAnswer(q, merged); ok {
		res.Answer = answer
		res.AnswerHit = hit
		res.Direct = true
	}
	return res, nil
}

// qaBlockRe matches the canonical single-line "Q: ... A: ..." block shape
// emitted by segmentation.
var qaBlockRe = regexp.MustCompile(`^Q:\s*(.+?)\s+A:\s*(.+)$`)

// directAnswer scans the top hits for stored Q/A pairs and returns the
// answer of the best-overlapping stored question when the overlap ratio
// meets the direct threshold. An adequate direct match always wins over
// generation.
func (r *Ranker) directAnswer(query string, hits []Hit) (string, Hit, bool) {
	queryTokens := tokenSet(query)
	if len(queryTokens) == 0 {
		return "", Hit{}, false
	}

	best := 0.0
	var bestAnswer string
	var bestHit Hit
	for _, h := range hits {
		for _, block := range strings.Split(h.Text, "\n\n") {
			m := qaBlockRe.FindStringSubmatch(block)
			if m == nil {
				continue
			}
			ratio := overlapRatio(m[1], queryTokens)
			if ratio > best {
				best = ratio
				bestAnswer = m[2]
				bestHit = h
			}
		}
	}
	if best >= r.cfg.DirectThreshold {
		return bestAnswer, bestHit, true
	}
	return "", Hit{}, false
}

// overlapRatio computes |question ∩ query| / |question tokens|.
func overlapRatio(question string, queryTokens map[string]bool) float64 {
	qTokens := Tokens(question)
	if len(qTokens) == 0 {
		return 0
	}
	seen := map[string]bool{}
	matched := 0
	for _, tok := range qTokens {
		if seen[tok] {
			continue
		}
		seen[tok] = true
		if queryTokens[tok] {
			matched++
		}
	}
	return float64(matched) / float64(len(seen))
}

// trailingPunctRe strips trailing punctuation and question marks during
// query normalization.
var trailingPunctRe = regexp.MustCompile(`[\s?!.,:;]+$`)

// wsRe collapses whitespace runs.
var wsRe = regexp.MustCompile(`\s+`)

// Normalize canonicalizes a query: trim, collapse whitespace, strip
// trailing punctuation.
func Normalize(query string) string {
	q := wsRe.ReplaceAllString(strings.TrimSpace(query), " ")
	return trailingPunctRe.ReplaceAllString(q, "")
}

// tokenRe extracts lowercase alphanumeric tokens.
var tokenRe = regexp.MustCompile(`[a-z0-9]+`)

// Tokens lowercases s and splits it into alphanumeric tokens.
func Tokens(s string) []string {
	return tokenRe.FindAllString(strings.ToLower(s), -1)
}

// tokenSet returns the distinct tokens of s as a set.
func tokenSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, tok := range Tokens(s) {
		set[tok] = true
	}
	return set
}

// Cosine computes dot(a,b) / (||a||*||b|| + ε). Mismatched lengths score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na)*math.Sqrt(nb) + epsilon)
}
