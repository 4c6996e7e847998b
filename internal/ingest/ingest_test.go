package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/m4ttr/docqa-go/internal/store"
)

// fakeEmbedder returns a constant-dimension vector per text and counts calls.
type fakeEmbedder struct {
	calls int
	fail  bool
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("backend down")
	}
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		vecs[i] = []float32{float32(len(t)), 1}
	}
	return vecs, nil
}

func (f *fakeEmbedder) Identity() string { return "fake/fake/2" }

// writeDocs populates a temp docs dir and returns its path.
func writeDocs(t *testing.T, docs map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range docs {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	return dir
}

func Test_Pipeline_RebuildWritesAndPromotes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	docsDir := writeDocs(t, map[string]string{
		"a.txt": "Alpha document text.",
		"b.md":  "Beta document text.",
	})
	dbPath := filepath.Join(t.TempDir(), "kb.db")

	p, err := NewPipeline(&fakeEmbedder{}, Config{MaxChunkSize: 500})
	if err != nil {
		t.Fatalf("new pipeline: %v", err)
	}
	stats, err := p.Rebuild(ctx, "kb", docsDir, dbPath)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if stats.Files != 2 || stats.Chunks != 2 {
		t.Errorf("stats: want 2 files / 2 chunks, got %+v", stats)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Fatalf("db not promoted: %v", err)
	}
	if _, err := os.Stat(dbPath + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp artifact must not survive: %v", err)
	}

	kb, err := store.Open("kb", dbPath)
	if err != nil {
		t.Fatalf("open promoted db: %v", err)
	}
	defer kb.Close()
	docs, chunks, err := kb.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if docs != 2 || chunks != 2 {
		t.Errorf("promoted db: want 2 docs / 2 chunks, got %d/%d", docs, chunks)
	}
}

func Test_Pipeline_RebuildEmbedFailureDiscardsTemp(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	docsDir := writeDocs(t, map[string]string{"a.txt": "some text"})
	dbPath := filepath.Join(t.TempDir(), "kb.db")

	p, _ := NewPipeline(&fakeEmbedder{fail: true}, Config{})
	if _, err := p.Rebuild(ctx, "kb", docsDir, dbPath); err == nil {
		t.Fatal("want error when embedding fails")
	}
	if _, err := os.Stat(dbPath); !os.IsNotExist(err) {
		t.Errorf("failed rebuild must not promote a database")
	}
	if _, err := os.Stat(dbPath + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("failed rebuild must discard the temp artifact")
	}
}

func Test_Pipeline_UpdateSkipsUnchanged(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	docsDir := writeDocs(t, map[string]string{"a.txt": "stable content"})
	kb, err := store.Open("kb", filepath.Join(t.TempDir(), "kb.db"))
	if err != nil {
		t.Fatalf("open kb: %v", err)
	}
	defer kb.Close()

	emb := &fakeEmbedder{}
	p, _ := NewPipeline(emb, Config{})

	stats, err := p.Update(ctx, kb, docsDir, PolicyAppend)
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	if stats.Files != 1 {
		t.Fatalf("first update: want 1 file, got %+v", stats)
	}
	callsAfterFirst := emb.calls

	stats, err = p.Update(ctx, kb, docsDir, PolicyAppend)
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	if stats.Files != 0 || stats.Skipped != 1 || stats.Chunks != 0 {
		t.Errorf("unchanged file must be skipped, got %+v", stats)
	}
	if emb.calls != callsAfterFirst {
		t.Errorf("unchanged file must not be re-embedded: %d extra calls", emb.calls-callsAfterFirst)
	}
}

func Test_Pipeline_UpdateAppendKeepsOldChunks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("version one"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	kb, err := store.Open("kb", filepath.Join(t.TempDir(), "kb.db"))
	if err != nil {
		t.Fatalf("open kb: %v", err)
	}
	defer kb.Close()

	p, _ := NewPipeline(&fakeEmbedder{}, Config{})
	if _, err := p.Update(ctx, kb, dir, PolicyAppend); err != nil {
		t.Fatalf("first update: %v", err)
	}

	if err := os.WriteFile(path, []byte("version two"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if _, err := p.Update(ctx, kb, dir, PolicyAppend); err != nil {
		t.Fatalf("second update: %v", err)
	}

	_, chunks, err := kb.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if chunks != 2 {
		t.Errorf("append policy must keep superseded chunks: want 2, got %d", chunks)
	}
}

func Test_Pipeline_UpdateReplaceDropsOldChunks(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("version one"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	kb, err := store.Open("kb", filepath.Join(t.TempDir(), "kb.db"))
	if err != nil {
		t.Fatalf("open kb: %v", err)
	}
	defer kb.Close()

	p, _ := NewPipeline(&fakeEmbedder{}, Config{})
	if _, err := p.Update(ctx, kb, dir, PolicyReplace); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := os.WriteFile(path, []byte("version two"), 0o600); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if _, err := p.Update(ctx, kb, dir, PolicyReplace); err != nil {
		t.Fatalf("second update: %v", err)
	}

	_, chunks, err := kb.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if chunks != 1 {
		t.Errorf("replace policy: want 1 chunk, got %d", chunks)
	}
}

func Test_Pipeline_UpdateEmbedFailureDoesNotStopBatch(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	docsDir := writeDocs(t, map[string]string{
		"a.txt": "first document",
		"b.txt": "second document",
	})
	kb, err := store.Open("kb", filepath.Join(t.TempDir(), "kb.db"))
	if err != nil {
		t.Fatalf("open kb: %v", err)
	}
	defer kb.Close()

	p, _ := NewPipeline(&fakeEmbedder{fail: true}, Config{})
	stats, err := p.Update(ctx, kb, docsDir, PolicyAppend)
	if err == nil {
		t.Fatal("want aggregated error when embedding fails")
	}
	if stats.Files != 0 {
		t.Errorf("no files should commit, got %+v", stats)
	}
}

func Test_ParsePolicy(t *testing.T) {
	t.Parallel()

	if p, err := ParsePolicy(""); err != nil || p != PolicyAppend {
		t.Errorf("empty policy: want append, got %q (%v)", p, err)
	}
	if p, err := ParsePolicy("replace"); err != nil || p != PolicyReplace {
		t.Errorf("replace policy: got %q (%v)", p, err)
	}
	if _, err := ParsePolicy("upsert"); err == nil {
		t.Error("unknown policy must be rejected")
	}
}
