package segment

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func Test_Split_EmptyInput(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"", "   \n\n\t  "} {
		if got := Split(raw, Options{MaxChunkSize: 100}); got != nil {
			t.Errorf("Split(%q): want nil, got %v", raw, got)
		}
	}
}

func Test_Split_ExplicitQABlock(t *testing.T) {
	t.Parallel()

	raw := "Q: What is Acme?\nA: Acme Corp was founded in 1998.\n"
	chunks := Split(raw, Options{MaxChunkSize: 200})
	if len(chunks) != 1 {
		t.Fatalf("want 1 chunk, got %d: %v", len(chunks), chunks)
	}
	want := "Q: What is Acme? A: Acme Corp was founded in 1998."
	if chunks[0] != want {
		t.Errorf("chunk: want %q, got %q", want, chunks[0])
	}
}

func Test_Split_ImplicitQuestionBlock(t *testing.T) {
	t.Parallel()

	raw := "How do refunds work?\nRefunds are processed within 5 business days.\n"
	chunks := Split(raw, Options{MaxChunkSize: 200})
	if len(chunks) != 1 {
		t.Fatalf("want 1 chunk, got %d: %v", len(chunks), chunks)
	}
	if !strings.HasPrefix(chunks[0], "Q: How do refunds work?") {
		t.Errorf("expected implicit question to become a Q/A block, got %q", chunks[0])
	}
	if !strings.Contains(chunks[0], "A: Refunds are processed") {
		t.Errorf("expected answer text in block, got %q", chunks[0])
	}
}

func Test_Split_TrailingQuestionWithoutAnswerIsParagraph(t *testing.T) {
	t.Parallel()

	raw := "Is this the end?\n"
	chunks := Split(raw, Options{MaxChunkSize: 200})
	if len(chunks) != 1 {
		t.Fatalf("want 1 chunk, got %d", len(chunks))
	}
	if strings.HasPrefix(chunks[0], "Q:") {
		t.Errorf("bare question must not become a Q/A block, got %q", chunks[0])
	}
}

func Test_Split_ParagraphWhitespaceNormalized(t *testing.T) {
	t.Parallel()

	// The run between "with" and "gaps" mixes a non-breaking space
	// (U+00A0) into the ASCII whitespace.
	raw := "first   line\twith\u00a0 gaps\nsecond line\n\nnext paragraph\n"
	chunks := Split(raw, Options{MaxChunkSize: 500})
	if len(chunks) != 1 {
		t.Fatalf("want 1 chunk, got %d", len(chunks))
	}
	if strings.Contains(chunks[0], "  ") || strings.Contains(chunks[0], "\t") {
		t.Errorf("whitespace runs must be collapsed, got %q", chunks[0])
	}
	if strings.Contains(chunks[0], "\u00a0") {
		t.Errorf("Unicode whitespace must be collapsed too, got %q", chunks[0])
	}
	if !strings.Contains(chunks[0], "first line with gaps second line") {
		t.Errorf("paragraph lines must be joined, got %q", chunks[0])
	}
	if !strings.Contains(chunks[0], "\n\n") {
		t.Errorf("packed blocks must keep a paragraph break, got %q", chunks[0])
	}
}

func Test_Split_ChunksRespectBudget(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	for i := 0; i < 40; i++ {
		sb.WriteString("This is sentence number one. Here comes another one. And a third for good measure.\n\n")
	}

	const maxSize = 120
	chunks := Split(sb.String(), Options{MaxChunkSize: maxSize})
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > maxSize {
			t.Errorf("chunk %d exceeds budget: %d > %d", i, len(c), maxSize)
		}
	}
}

func Test_Split_BudgetHoldsWithOverlap(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	for i := 0; i < 30; i++ {
		sb.WriteString("Alpha beta gamma delta epsilon zeta eta theta. Iota kappa lambda mu nu xi.\n\n")
	}

	const maxSize = 150
	const overlap = 40
	chunks := Split(sb.String(), Options{MaxChunkSize: maxSize, Overlap: overlap})
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > maxSize {
			t.Errorf("chunk %d exceeds budget with overlap: %d > %d", i, len(c), maxSize)
		}
	}
	// Each chunk after the first starts with the tail of its predecessor.
	for i := 1; i < len(chunks); i++ {
		prev := chunks[i-1]
		n := overlap
		if n > len(prev) {
			n = len(prev)
		}
		if !strings.HasPrefix(chunks[i], prev[len(prev)-n:]) {
			t.Errorf("chunk %d missing overlap prefix from chunk %d", i, i-1)
		}
	}
}

func Test_Split_OverlapClampedToHalfBudget(t *testing.T) {
	t.Parallel()

	var sb strings.Builder
	for i := 0; i < 20; i++ {
		sb.WriteString("Short sentence here. Another short sentence follows. More text again now.\n\n")
	}

	// Overlap larger than half the budget must be clamped, not rejected.
	chunks := Split(sb.String(), Options{MaxChunkSize: 100, Overlap: 90})
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 100 {
			t.Errorf("chunk %d exceeds budget: %d", i, len(c))
		}
	}
}

func Test_Split_UnbreakableAtomHardSplit(t *testing.T) {
	t.Parallel()

	atom := strings.Repeat("x", 350)
	chunks := Split(atom, Options{MaxChunkSize: 100})
	if len(chunks) != 4 {
		t.Fatalf("want 4 chunks from a 350-char atom at budget 100, got %d", len(chunks))
	}
	var total int
	for i, c := range chunks {
		if len(c) > 100 {
			t.Errorf("chunk %d exceeds budget: %d", i, len(c))
		}
		total += len(c)
	}
	if total != 350 {
		t.Errorf("hard split must preserve all content: want 350 chars, got %d", total)
	}
}

func Test_Split_HardSplitKeepsRuneBoundaries(t *testing.T) {
	t.Parallel()

	// 200 two-byte runes, hard split at an odd byte budget: a byte-offset
	// split would tear a rune at every boundary.
	atom := strings.Repeat("é", 200)
	chunks := Split(atom, Options{MaxChunkSize: 101})
	if len(chunks) < 4 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if !utf8.ValidString(c) {
			t.Errorf("chunk %d is not valid UTF-8: %q", i, c)
		}
		if len(c) > 101 {
			t.Errorf("chunk %d exceeds budget: %d", i, len(c))
		}
	}
	if got := strings.Join(chunks, ""); got != atom {
		t.Errorf("hard split must preserve content: want %d bytes, got %d", len(atom), len(got))
	}
}

func Test_Split_OverlapPrefixKeepsRuneBoundaries(t *testing.T) {
	t.Parallel()

	atom := strings.Repeat("é", 300)
	chunks := Split(atom, Options{MaxChunkSize: 120, Overlap: 33})
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if !utf8.ValidString(c) {
			t.Errorf("chunk %d is not valid UTF-8: %q", i, c)
		}
		if len(c) > 120 {
			t.Errorf("chunk %d exceeds budget with overlap: %d", i, len(c))
		}
	}
}

func Test_Split_QMarkerVariants(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
	}{
		{"upper", "Q: one?\nA: yes\n"},
		{"lower", "q: one?\na: yes\n"},
		{"spaced", "Q : one?\nA : yes\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			chunks := Split(tc.raw, Options{MaxChunkSize: 200})
			if len(chunks) != 1 {
				t.Fatalf("want 1 chunk, got %d", len(chunks))
			}
			if !strings.HasPrefix(chunks[0], "Q: one?") {
				t.Errorf("marker variant not recognized: %q", chunks[0])
			}
		})
	}
}

func Test_Split_MultipleQABlocksSeparated(t *testing.T) {
	t.Parallel()

	raw := "Q: first?\nA: one\nQ: second?\nA: two\n"
	chunks := Split(raw, Options{MaxChunkSize: 1000})
	if len(chunks) != 1 {
		t.Fatalf("want 1 packed chunk, got %d", len(chunks))
	}
	if !strings.Contains(chunks[0], "Q: first? A: one") || !strings.Contains(chunks[0], "Q: second? A: two") {
		t.Errorf("both Q/A blocks expected, got %q", chunks[0])
	}
}
