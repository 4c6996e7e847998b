package fewshot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/m4ttr/docqa-go/internal/store"
)

// fakeEmbedder returns fixed vectors per text and counts calls.
type fakeEmbedder struct {
	vectors  map[string][]float32
	identity string
	calls    int
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := f.vectors[t]; ok {
			out[i] = v
		} else {
			out[i] = []float32{0, 1}
		}
	}
	return out, nil
}

func (f *fakeEmbedder) Identity() string {
	if f.identity == "" {
		return "fake/fake/2"
	}
	return f.identity
}

// writeJSONL writes lines to a temp .jsonl file and returns its path.
func writeJSONL(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "examples.jsonl")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatalf("write jsonl: %v", err)
	}
	return path
}

func openTestKB(t *testing.T) *store.KB {
	t.Helper()
	kb, err := store.Open("kb", ":memory:")
	if err != nil {
		t.Fatalf("open kb: %v", err)
	}
	t.Cleanup(func() { _ = kb.Close() })
	return kb
}

func Test_LoadExamples_FieldAliases(t *testing.T) {
	t.Parallel()

	path := writeJSONL(t,
		`{"input": "reset password", "output": "Visit settings."}`,
		`{"question": "cancel plan", "answer": "Contact billing."}`,
		`{"prompt": "export data", "completion": "Use the export tab."}`,
	)
	examples, skipped, err := LoadExamples(context.Background(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if skipped != 0 {
		t.Errorf("want 0 skipped, got %d", skipped)
	}
	if len(examples) != 3 {
		t.Fatalf("want 3 examples, got %d", len(examples))
	}
	if examples[1].Input != "cancel plan" || examples[1].Output != "Contact billing." {
		t.Errorf("alias normalization failed: %+v", examples[1])
	}
}

func Test_LoadExamples_MalformedLinesSkipped(t *testing.T) {
	t.Parallel()

	path := writeJSONL(t,
		`{"input": "good", "output": "kept"}`,
		`not json at all`,
		`{"unrelated": "fields"}`,
		`{"input": "no output field"}`,
		``,
	)
	examples, skipped, err := LoadExamples(context.Background(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(examples) != 1 {
		t.Errorf("want 1 example, got %d", len(examples))
	}
	if skipped != 3 {
		t.Errorf("want 3 skipped, got %d", skipped)
	}
}

func Test_Selector_SelectRanksAndScoresConfidence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	emb := &fakeEmbedder{vectors: map[string][]float32{
		"how do I reset my password": {1, 0},
		"reset password":             {0.9, 0.1},
		"cancel plan":                {0, 1},
	}}
	sel, err := NewSelector(emb)
	if err != nil {
		t.Fatalf("new selector: %v", err)
	}
	path := writeJSONL(t,
		`{"input": "reset password", "output": "Visit settings."}`,
		`{"input": "cancel plan", "output": "Contact billing."}`,
	)
	if err := sel.AddKB(ctx, openTestKB(t), path); err != nil {
		t.Fatalf("add kb: %v", err)
	}

	selected, confidence, err := sel.Select(ctx, "how do I reset my password", 1)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(selected) != 1 {
		t.Fatalf("want 1 selected, got %d", len(selected))
	}
	if selected[0].Example.Input != "reset password" {
		t.Errorf("best example: got %q", selected[0].Example.Input)
	}
	// Both tokens of "reset password" appear in the query.
	if confidence != 1.0 {
		t.Errorf("confidence: want 1.0, got %v", confidence)
	}
}

func Test_Selector_CacheReusedForSameModel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kb := openTestKB(t)
	path := writeJSONL(t, `{"input": "a question", "output": "an answer"}`)

	emb := &fakeEmbedder{}
	sel, _ := NewSelector(emb)
	if err := sel.AddKB(ctx, kb, path); err != nil {
		t.Fatalf("first add: %v", err)
	}
	buildCalls := emb.calls

	// A fresh selector under the same model identity must hit the cache.
	sel2, _ := NewSelector(emb)
	if err := sel2.AddKB(ctx, kb, path); err != nil {
		t.Fatalf("second add: %v", err)
	}
	if emb.calls != buildCalls {
		t.Errorf("cache hit must not re-embed: %d extra calls", emb.calls-buildCalls)
	}
	if sel2.Empty() {
		t.Error("cached examples must be attached")
	}
}

func Test_Selector_ModelChangeRebuildsCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	kb := openTestKB(t)
	path := writeJSONL(t, `{"input": "a question", "output": "an answer"}`)

	sel, _ := NewSelector(&fakeEmbedder{identity: "model-a"})
	if err := sel.AddKB(ctx, kb, path); err != nil {
		t.Fatalf("first add: %v", err)
	}

	embB := &fakeEmbedder{identity: "model-b"}
	selB, _ := NewSelector(embB)
	if err := selB.AddKB(ctx, kb, path); err != nil {
		t.Fatalf("second add: %v", err)
	}
	if embB.calls == 0 {
		t.Error("model identity change must force a rebuild")
	}
}

func Test_Selector_EmptyPathAttachesNothing(t *testing.T) {
	t.Parallel()

	sel, _ := NewSelector(&fakeEmbedder{})
	if err := sel.AddKB(context.Background(), openTestKB(t), ""); err != nil {
		t.Fatalf("add kb: %v", err)
	}
	if !sel.Empty() {
		t.Error("selector must stay empty without an examples path")
	}
	selected, confidence, err := sel.Select(context.Background(), "anything", 3)
	if err != nil || selected != nil || confidence != 0 {
		t.Errorf("empty selector select: got %v/%v/%v", selected, confidence, err)
	}
}

func Test_BuildPrompt(t *testing.T) {
	t.Parallel()

	selected := []Selected{
		{KB: "kb", Example: Example{Input: "reset password", Output: "Visit settings."}},
	}
	prompt := BuildPrompt(selected, "how do I reset my password")
	if !strings.Contains(prompt, "Input: reset password\nOutput: Visit settings.") {
		t.Errorf("example pair missing from prompt:\n%s", prompt)
	}
	if !strings.HasSuffix(prompt, "Input: how do I reset my password\nOutput:") {
		t.Errorf("prompt must end with the live query:\n%s", prompt)
	}
}
