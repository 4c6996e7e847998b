// Package segment turns raw document text into an ordered sequence of
// retrievable chunk texts. Documents are first split into logical blocks
// (Q/A pairs and paragraphs), then blocks are greedily packed into chunks
// bounded by a configurable character budget, with optional overlap carried
// across chunk boundaries so local context survives the split.
package segment

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// defaultMaxChunkSize is the chunk character budget used when the caller
	// passes zero.
	defaultMaxChunkSize = 1000
)

// qMarkerRe matches a "Q:"-style question marker at the start of a line.
var qMarkerRe = regexp.MustCompile(`(?i)^q\s*[:.]\s*`)

// aMarkerRe matches an "A:"-style answer marker at the start of a line.
var aMarkerRe = regexp.MustCompile(`(?i)^a\s*[:.]\s*`)

// sentenceBoundaryRe matches a sentence terminator followed by whitespace and
// the start of a new sentence (uppercase letter, digit, or opening quote).
var sentenceBoundaryRe = regexp.MustCompile(`([.!?])\s+([A-Z0-9"'(“‘])`)

// Options controls chunk packing.
type Options struct {
	// MaxChunkSize is the maximum chunk length in characters.
	// Defaults to 1000 if zero or negative.
	MaxChunkSize int

	// Overlap is the number of trailing characters of each chunk carried over
	// as a prefix of the next chunk. Clamped to MaxChunkSize/2. Zero disables
	// overlap.
	Overlap int
}

// Split segments raw document text into chunk texts no longer than
// opts.MaxChunkSize each. Overlap-prefixed chunks stay within the budget: the
// packing capacity of every chunk after the first is reduced by the effective
// overlap so the prefix never pushes a chunk past MaxChunkSize.
//
// Empty or whitespace-only input yields a nil slice.
func Split(raw string, opts Options) []string {
	maxSize := opts.MaxChunkSize
	if maxSize <= 0 {
		maxSize = defaultMaxChunkSize
	}
	overlap := opts.Overlap
	if overlap < 0 {
		overlap = 0
	}
	if overlap > maxSize/2 {
		overlap = maxSize / 2
	}

	blocks := detectBlocks(raw)
	if len(blocks) == 0 {
		return nil
	}

	return pack(blocks, maxSize, overlap)
}

// detectBlocks runs the line-oriented pass over the newline-normalized text
// and returns whitespace-normalized blocks. Three block shapes exist:
//
//   - explicit Q/A: a "Q:" marker line plus the following lines up to a blank
//     line or the next marker, each stripped of an optional "A:" marker;
//   - implicit Q/A: a line ending in "?" followed by at least one non-blank,
//     non-question line before the next boundary;
//   - paragraph: any other run of non-blank lines.
func detectBlocks(raw string) []string {
	text := strings.ReplaceAll(raw, "\r\n", "\n")
	lines := strings.Split(text, "\n")

	var blocks []string
	var para []string

	flushPara := func() {
		if len(para) == 0 {
			return
		}
		if b := normalizeBlock(strings.Join(para, " ")); b != "" {
			blocks = append(blocks, b)
		}
		para = para[:0]
	}

	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])

		switch {
		case line == "":
			flushPara()

		case qMarkerRe.MatchString(line):
			flushPara()
			question := qMarkerRe.ReplaceAllString(line, "")
			answer, consumed := collectAnswer(lines, i+1)
			i += consumed
			blocks = appendQA(blocks, question, answer)

		case strings.HasSuffix(line, "?") && hasAnswerAhead(lines, i+1):
			flushPara()
			answer, consumed := collectAnswer(lines, i+1)
			i += consumed
			blocks = appendQA(blocks, line, answer)

		default:
			para = append(para, line)
		}
	}
	flushPara()

	return blocks
}

// collectAnswer gathers the answer lines following a question, stopping at a
// blank line or the next "Q:" marker. Each line is stripped of an optional
// "A:" marker. Returns the joined answer and the number of lines consumed.
func collectAnswer(lines []string, start int) (string, int) {
	var parts []string
	i := start
	for ; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" || qMarkerRe.MatchString(line) {
			break
		}
		parts = append(parts, aMarkerRe.ReplaceAllString(line, ""))
	}
	return strings.Join(parts, " "), i - start
}

// hasAnswerAhead reports whether at least one non-blank, non-question line
// exists before the next blank line or "Q:" marker. A bare trailing question
// with no answer material is treated as ordinary paragraph text.
func hasAnswerAhead(lines []string, start int) bool {
	for i := start; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" || qMarkerRe.MatchString(line) {
			return false
		}
		if !strings.HasSuffix(line, "?") {
			return true
		}
	}
	return false
}

// appendQA emits a canonical "Q: ... A: ..." block. Questions with an empty
// answer degrade to a plain paragraph block so no empty answer is indexed.
func appendQA(blocks []string, question, answer string) []string {
	q := normalizeBlock(question)
	a := normalizeBlock(answer)
	if q == "" {
		return blocks
	}
	if a == "" {
		return append(blocks, q)
	}
	return append(blocks, "Q: "+q+" A: "+a)
}

// normalizeBlock collapses whitespace runs to single spaces and trims.
// Fields splits on unicode.IsSpace, so non-breaking spaces and other
// Unicode whitespace collapse too.
func normalizeBlock(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// pack greedily concatenates blocks (separated by a paragraph break) into
// chunks bounded by maxSize. The packing capacity of every chunk after the
// first is maxSize-overlap so the overlap prefix added afterwards never
// exceeds the budget.
func pack(blocks []string, maxSize, overlap int) []string {
	var chunks []string
	var cur strings.Builder

	capacity := func() int {
		if len(chunks) == 0 {
			return maxSize
		}
		return maxSize - overlap
	}

	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
			cur.Reset()
		}
	}

	for _, block := range blocks {
		sep := 0
		if cur.Len() > 0 {
			sep = 2 // "\n\n"
		}

		if cur.Len()+sep+len(block) <= capacity() {
			if sep > 0 {
				cur.WriteString("\n\n")
			}
			cur.WriteString(block)
			continue
		}

		flush()

		if len(block) <= capacity() {
			cur.WriteString(block)
			continue
		}

		// Block alone exceeds the budget: split at sentence boundaries and
		// re-pack the sentences greedily.
		for _, sentence := range splitSentences(block) {
			sep = 0
			if cur.Len() > 0 {
				sep = 1 // " "
			}
			if cur.Len()+sep+len(sentence) <= capacity() {
				if sep > 0 {
					cur.WriteByte(' ')
				}
				cur.WriteString(sentence)
				continue
			}
			flush()
			if len(sentence) <= capacity() {
				cur.WriteString(sentence)
				continue
			}
			// Last resort for an unbreakable atom: hard split near the
			// budget, backing off to a rune boundary so no chunk carries a
			// torn multi-byte sequence.
			rest := sentence
			for len(rest) > capacity() {
				n := capacity()
				for n > 0 && !utf8.RuneStart(rest[n]) {
					n--
				}
				if n == 0 {
					// A single rune wider than the budget; emit it whole.
					_, n = utf8.DecodeRuneInString(rest)
				}
				chunks = append(chunks, rest[:n])
				rest = rest[n:]
			}
			if rest != "" {
				cur.WriteString(rest)
			}
		}
	}
	flush()

	if overlap > 0 {
		for i := 1; i < len(chunks); i++ {
			prev := chunks[i-1]
			start := len(prev) - overlap
			if start < 0 {
				start = 0
			}
			// Never start the carried prefix mid-rune.
			for start < len(prev) && !utf8.RuneStart(prev[start]) {
				start++
			}
			chunks[i] = prev[start:] + chunks[i]
		}
	}

	return chunks
}

// splitSentences splits a block at sentence boundaries: a terminator followed
// by whitespace and an uppercase letter, digit, or opening quote.
func splitSentences(block string) []string {
	idxs := sentenceBoundaryRe.FindAllStringSubmatchIndex(block, -1)
	if len(idxs) == 0 {
		return []string{block}
	}

	var out []string
	start := 0
	for _, m := range idxs {
		// m[3] is the end of the terminator group; the sentence ends there.
		end := m[3]
		s := strings.TrimSpace(block[start:end])
		if s != "" {
			out = append(out, s)
		}
		// m[4] is the start of the next sentence's first character.
		start = m[4]
	}
	if s := strings.TrimSpace(block[start:]); s != "" {
		out = append(out, s)
	}
	return out
}
