package router

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/m4ttr/docqa-go/internal/fewshot"
	"github.com/m4ttr/docqa-go/internal/provider"
	"github.com/m4ttr/docqa-go/internal/rank"
)

// fakeRanker records queries and replays canned results.
type fakeRanker struct {
	queries []string
	results []rank.Result
	err     error
}

func (f *fakeRanker) Rank(_ context.Context, query string) (rank.Result, error) {
	f.queries = append(f.queries, query)
	if f.err != nil {
		return rank.Result{}, f.err
	}
	if len(f.results) == 0 {
		return rank.Result{Insufficient: true}, nil
	}
	res := f.results[0]
	if len(f.results) > 1 {
		f.results = f.results[1:]
	}
	return res, nil
}

// fakeGenerator returns a fixed completion.
type fakeGenerator struct {
	out   string
	err   error
	calls int
	msgs  []*schema.Message
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string, opts provider.Options) (string, error) {
	return f.GenerateMessages(ctx, []*schema.Message{schema.UserMessage(prompt)}, opts)
}

func (f *fakeGenerator) GenerateMessages(_ context.Context, msgs []*schema.Message, _ provider.Options) (string, error) {
	f.calls++
	f.msgs = msgs
	return f.out, f.err
}

// fakeSelector serves fixed examples.
type fakeSelector struct {
	selected []fewshot.Selected
}

func (f *fakeSelector) Select(_ context.Context, _ string, _ int) ([]fewshot.Selected, float64, error) {
	return f.selected, 0.5, nil
}

func (f *fakeSelector) Empty() bool { return len(f.selected) == 0 }

func contextHit(score float64) rank.Result {
	return rank.Result{Hits: []rank.Hit{
		{KB: "kb", Doc: "doc.md", ChunkID: 2, Text: "Refunds take five days.", Score: score},
	}}
}

func Test_Router_ContextAnswerAboveThreshold(t *testing.T) {
	t.Parallel()

	fr := &fakeRanker{results: []rank.Result{contextHit(0.8)}}
	r, err := New(fr, nil, nil, nil, Config{})
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	ans, sid, err := r.Ask(context.Background(), "", "how long do refunds take")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if sid == "" {
		t.Error("a session id must be minted")
	}
	if ans.Mode != ModeContext {
		t.Errorf("mode: want context, got %s", ans.Mode)
	}
	if !strings.Contains(ans.Text, "Refunds take five days.") {
		t.Errorf("answer text: got %q", ans.Text)
	}
	if len(ans.Sources) != 1 || ans.Sources[0].Doc != "doc.md" || ans.Sources[0].ChunkPosition != 2 {
		t.Errorf("sources: got %+v", ans.Sources)
	}
}

func Test_Router_DirectAnswerWinsVerbatim(t *testing.T) {
	t.Parallel()

	fr := &fakeRanker{results: []rank.Result{{
		Hits:      []rank.Hit{{KB: "kb", Doc: "faq.md", Text: "Q: What is Acme? A: Acme Corp was founded in 1998.", Score: 0.9}},
		Answer:    "Acme Corp was founded in 1998.",
		AnswerHit: rank.Hit{KB: "kb", Doc: "faq.md", ChunkID: 0, Score: 0.9},
		Direct:    true,
	}}}
	gen := &fakeGenerator{out: "should never be used"}
	r, _ := New(fr, nil, gen, nil, Config{})

	ans, _, err := r.Ask(context.Background(), "", "What is Acme?")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if ans.Text != "Acme Corp was founded in 1998." {
		t.Errorf("direct answer must be verbatim, got %q", ans.Text)
	}
	if gen.calls != 0 {
		t.Error("an adequate direct match must never invoke generation")
	}
}

func Test_Router_BelowThresholdFallsBackToGeneration(t *testing.T) {
	t.Parallel()

	fr := &fakeRanker{results: []rank.Result{contextHit(0.3)}}
	gen := &fakeGenerator{out: "Generated answer."}
	r, _ := New(fr, &fakeSelector{selected: []fewshot.Selected{
		{KB: "kb", Example: fewshot.Example{Input: "q", Output: "a"}},
	}}, gen, nil, Config{Threshold: 0.38})

	ans, _, err := r.Ask(context.Background(), "", "an off-corpus question about something else")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if ans.Mode != ModeGeneration {
		t.Errorf("mode: want generation, got %s", ans.Mode)
	}
	if ans.Text != "Generated answer." {
		t.Errorf("answer: got %q", ans.Text)
	}
	if gen.calls != 1 {
		t.Errorf("generator calls: want 1, got %d", gen.calls)
	}
}

func Test_Router_NoGeneratorMeansNoAnswer(t *testing.T) {
	t.Parallel()

	fr := &fakeRanker{} // always insufficient
	r, _ := New(fr, nil, nil, nil, Config{})

	ans, _, err := r.Ask(context.Background(), "", "completely unknown topic question here")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if ans.Mode != ModeNone || ans.Text != NoAnswerText {
		t.Errorf("want fixed no-answer, got %s %q", ans.Mode, ans.Text)
	}
}

func Test_Router_HedgedGenerationBecomesNoAnswer(t *testing.T) {
	t.Parallel()

	fr := &fakeRanker{}
	gen := &fakeGenerator{out: "That information is not publicly disclosed."}
	r, _ := New(fr, nil, gen, nil, Config{})

	ans, _, err := r.Ask(context.Background(), "", "what is the private valuation figure")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if ans.Mode != ModeNone {
		t.Errorf("hedged output must downgrade to no-answer, got %s %q", ans.Mode, ans.Text)
	}
}

func Test_Router_GenerationErrorBecomesNoAnswer(t *testing.T) {
	t.Parallel()

	fr := &fakeRanker{}
	gen := &fakeGenerator{err: errors.New("backend down")}
	r, _ := New(fr, nil, gen, nil, Config{})

	ans, _, err := r.Ask(context.Background(), "", "some question with many words in it")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if ans.Mode != ModeNone {
		t.Errorf("generation failure must not fabricate, got %s", ans.Mode)
	}
}

func Test_Router_RetrievalErrorSurfaced(t *testing.T) {
	t.Parallel()

	fr := &fakeRanker{err: errors.New("db locked")}
	r, _ := New(fr, nil, nil, nil, Config{})

	if _, _, err := r.Ask(context.Background(), "", "anything"); err == nil {
		t.Fatal("retrieval failure must surface, not fabricate")
	}
}

func Test_Router_FollowUpRewrittenWithContextTerms(t *testing.T) {
	t.Parallel()

	fr := &fakeRanker{results: []rank.Result{contextHit(0.8), contextHit(0.8)}}
	r, _ := New(fr, nil, nil, nil, Config{})
	ctx := context.Background()

	_, sid, err := r.Ask(ctx, "", "Tell me about the Acme company financial reports")
	if err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if _, _, err := r.Ask(ctx, sid, "what about revenue"); err != nil {
		t.Fatalf("second turn: %v", err)
	}

	if len(fr.queries) != 2 {
		t.Fatalf("want 2 retrievals, got %d", len(fr.queries))
	}
	if !strings.Contains(strings.ToLower(fr.queries[1]), "acme") {
		t.Errorf("follow-up must carry accumulated context, got %q", fr.queries[1])
	}
	if !strings.HasPrefix(fr.queries[1], "what about revenue") {
		t.Errorf("raw question must lead the rewritten query, got %q", fr.queries[1])
	}
}

func Test_Router_FreshQuestionNotRewritten(t *testing.T) {
	t.Parallel()

	fr := &fakeRanker{results: []rank.Result{contextHit(0.8), contextHit(0.8)}}
	r, _ := New(fr, nil, nil, nil, Config{})
	ctx := context.Background()

	_, sid, _ := r.Ask(ctx, "", "Tell me about the Acme company financial reports")
	question := "Describe the complete onboarding process for new enterprise customers"
	if _, _, err := r.Ask(ctx, sid, question); err != nil {
		t.Fatalf("second turn: %v", err)
	}
	if fr.queries[1] != question {
		t.Errorf("non-follow-up must pass through unchanged, got %q", fr.queries[1])
	}
}

func Test_Router_TurnRecordedInHistory(t *testing.T) {
	t.Parallel()

	fr := &fakeRanker{results: []rank.Result{contextHit(0.8)}}
	r, _ := New(fr, nil, nil, nil, Config{})

	_, sid, err := r.Ask(context.Background(), "", "how long do refunds take to arrive")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}

	sess, _ := r.sessions.get(sid)
	if len(sess.history) != 2 {
		t.Fatalf("want user+assistant recorded, got %d messages", len(sess.history))
	}
	if sess.history[0].Role != schema.User || sess.history[1].Role != schema.Assistant {
		t.Errorf("history roles wrong: %v %v", sess.history[0].Role, sess.history[1].Role)
	}
}

func Test_SessionStore_LRUEviction(t *testing.T) {
	t.Parallel()

	st := newSessionStore(2, time.Hour)
	_, idA := st.get("")
	st.get("")
	if st.len() != 2 {
		t.Fatalf("want 2 sessions, got %d", st.len())
	}
	st.get("") // third session evicts the least recently used
	if st.len() != 2 {
		t.Errorf("cap must hold: want 2, got %d", st.len())
	}

	// idA was the oldest; getting it again creates fresh state.
	sessA, _ := st.get(idA)
	if len(sessA.history) != 0 {
		t.Error("evicted session must come back empty")
	}
}

func Test_SessionStore_TTLExpiry(t *testing.T) {
	t.Parallel()

	st := newSessionStore(10, time.Minute)
	base := time.Now()
	st.now = func() time.Time { return base }

	sess, id := st.get("")
	sess.terms = []string{"stale"}

	st.now = func() time.Time { return base.Add(2 * time.Minute) }
	fresh, id2 := st.get(id)
	if id2 != id {
		t.Errorf("session id must be stable, got %q vs %q", id2, id)
	}
	if len(fresh.terms) != 0 {
		t.Error("expired session must be discarded, not resumed")
	}
}

func Test_Session_AddTermsCapAndDedup(t *testing.T) {
	t.Parallel()

	s := &session{}
	s.addTerms([]string{"Acme Corp", "revenue"}, 3)
	s.addTerms([]string{"REVENUE", "pricing", "billing"}, 3)

	if len(s.terms) != 3 {
		t.Fatalf("cap: want 3 terms, got %v", s.terms)
	}
	// Oldest ("Acme Corp") evicted; "revenue" deduped case-insensitively.
	if s.terms[0] != "revenue" || s.terms[2] != "billing" {
		t.Errorf("term eviction order wrong: %v", s.terms)
	}
}
