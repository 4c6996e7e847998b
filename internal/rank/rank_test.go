package rank

import (
	"context"
	"math"
	"testing"

	"github.com/m4ttr/docqa-go/internal/store"
)

// fakeEmbedder maps known texts to fixed vectors.
type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := f.vectors[t]; ok {
			out[i] = v
		} else {
			out[i] = []float32{0, 0, 1}
		}
	}
	return out, nil
}

func (f *fakeEmbedder) Identity() string { return "fake/fake/3" }

// fakeSource serves a fixed chunk list.
type fakeSource struct {
	name   string
	chunks []store.Chunk
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Candidates(_ context.Context, _ string, limit int) ([]store.Chunk, error) {
	if len(f.chunks) > limit {
		return f.chunks[:limit], nil
	}
	return f.chunks, nil
}

func Test_Ranker_DirectQAShortcut(t *testing.T) {
	t.Parallel()

	emb := &fakeEmbedder{vectors: map[string][]float32{
		"What is Acme": {1, 0, 0},
	}}
	src := &fakeSource{name: "corp", chunks: []store.Chunk{
		{Doc: "doc-a.txt", ChunkID: 0, Text: "Q: What is Acme? A: Acme Corp was founded in 1998.", Embedding: []float32{1, 0, 0}},
	}}
	r, err := New(emb, []CandidateSource{src}, Config{})
	if err != nil {
		t.Fatalf("new ranker: %v", err)
	}

	res, err := r.Rank(context.Background(), "What is Acme?")
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if !res.Direct {
		t.Fatal("direct shortcut must fire for an exact stored question")
	}
	if res.Answer != "Acme Corp was founded in 1998." {
		t.Errorf("answer: got %q", res.Answer)
	}
	if res.AnswerHit.Doc != "doc-a.txt" || res.AnswerHit.KB != "corp" {
		t.Errorf("answer source: got %+v", res.AnswerHit)
	}
}

func Test_Ranker_DirectShortcutNeedsOverlap(t *testing.T) {
	t.Parallel()

	emb := &fakeEmbedder{vectors: map[string][]float32{
		"completely unrelated topic entirely": {1, 0, 0},
	}}
	src := &fakeSource{name: "kb", chunks: []store.Chunk{
		{Doc: "d", Text: "Q: What is the refund policy for enterprise customers? A: Thirty days.", Embedding: []float32{1, 0, 0}},
	}}
	r, _ := New(emb, []CandidateSource{src}, Config{})

	res, err := r.Rank(context.Background(), "completely unrelated topic entirely")
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if res.Direct {
		t.Errorf("shortcut must not fire without token overlap, got answer %q", res.Answer)
	}
	if len(res.Hits) == 0 {
		t.Error("high-similarity hit should still be returned")
	}
}

func Test_Ranker_MinSimilarityFloor(t *testing.T) {
	t.Parallel()

	emb := &fakeEmbedder{vectors: map[string][]float32{
		"anything at all": {1, 0, 0},
	}}
	src := &fakeSource{name: "kb", chunks: []store.Chunk{
		{Doc: "d", Text: "orthogonal content", Embedding: []float32{0, 1, 0}},
	}}
	r, _ := New(emb, []CandidateSource{src}, Config{MinSimilarity: 0.3})

	res, err := r.Rank(context.Background(), "anything at all")
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if !res.Insufficient {
		t.Error("scores below the floor must report insufficient information")
	}
	if len(res.Hits) != 0 {
		t.Errorf("insufficient result must carry no hits, got %d", len(res.Hits))
	}
}

func Test_Ranker_NegativeMinSimilarityDisablesFloor(t *testing.T) {
	t.Parallel()

	emb := &fakeEmbedder{vectors: map[string][]float32{
		"anything at all": {1, 0, 0},
	}}
	src := &fakeSource{name: "kb", chunks: []store.Chunk{
		{Doc: "d", Text: "opposing content", Embedding: []float32{-1, 0, 0}},
	}}
	r, _ := New(emb, []CandidateSource{src}, Config{MinSimilarity: -1})

	res, err := r.Rank(context.Background(), "anything at all")
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if res.Insufficient {
		t.Fatal("a negative floor must let every scored hit through")
	}
	if len(res.Hits) != 1 || res.Hits[0].Score >= 0 {
		t.Errorf("expected the single negative-score hit, got %+v", res.Hits)
	}
}

func Test_Ranker_MergesAcrossKnowledgeBases(t *testing.T) {
	t.Parallel()

	emb := &fakeEmbedder{vectors: map[string][]float32{
		"query": {1, 0, 0},
	}}
	a := &fakeSource{name: "a", chunks: []store.Chunk{
		{Doc: "a1", Text: "close match", Embedding: []float32{0.9, 0.1, 0}},
		{Doc: "a2", Text: "weak match", Embedding: []float32{0.3, 0.9, 0}},
	}}
	b := &fakeSource{name: "b", chunks: []store.Chunk{
		{Doc: "b1", Text: "best match", Embedding: []float32{1, 0, 0}},
	}}
	r, _ := New(emb, []CandidateSource{a, b}, Config{TopK: 2})

	res, err := r.Rank(context.Background(), "query")
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if len(res.Hits) != 2 {
		t.Fatalf("want global top 2, got %d", len(res.Hits))
	}
	if res.Hits[0].KB != "b" || res.Hits[0].Doc != "b1" {
		t.Errorf("best hit should come from kb b, got %+v", res.Hits[0])
	}
	if res.Hits[1].KB != "a" || res.Hits[1].Doc != "a1" {
		t.Errorf("second hit should be a1, got %+v", res.Hits[1])
	}
}

func Test_Ranker_EmptyQueryInsufficient(t *testing.T) {
	t.Parallel()

	emb := &fakeEmbedder{}
	src := &fakeSource{name: "kb"}
	r, _ := New(emb, []CandidateSource{src}, Config{})

	res, err := r.Rank(context.Background(), "   ?!  ")
	if err != nil {
		t.Fatalf("rank: %v", err)
	}
	if !res.Insufficient {
		t.Error("a query with no content must be insufficient")
	}
}

func Test_Normalize(t *testing.T) {
	t.Parallel()

	cases := []struct{ in, want string }{
		{"  What is   Acme?  ", "What is Acme"},
		{"hello!!!", "hello"},
		{"plain", "plain"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q): want %q, got %q", tc.in, tc.want, got)
		}
	}
}

func Test_Cosine(t *testing.T) {
	t.Parallel()

	if got := Cosine([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Errorf("orthogonal: want 0, got %v", got)
	}
	if got := Cosine([]float32{1, 2}, []float32{1, 2}); math.Abs(got-1) > 1e-6 {
		t.Errorf("identical: want 1, got %v", got)
	}
	if got := Cosine([]float32{0, 0}, []float32{0, 0}); math.IsNaN(got) {
		t.Error("zero vectors must not produce NaN")
	}
	if got := Cosine([]float32{1}, []float32{1, 2}); got != 0 {
		t.Errorf("mismatched lengths: want 0, got %v", got)
	}
}
