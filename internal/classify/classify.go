// Package classify isolates the heuristic text classification the
// conversation router depends on: follow-up detection, objective inference,
// context-term extraction, and hedge detection in generated answers. The
// router consumes only the Classifier interface, so the pattern-matching
// strategy can be swapped (e.g. for a small trained classifier) without
// touching the routing state machine.
package classify

import (
	"regexp"
	"sort"
	"strings"
)

// Classifier is the classification surface the router consumes.
type Classifier interface {
	// IsFollowUp reports whether the turn continues the previous topic
	// rather than opening a new one.
	IsFollowUp(text string) bool

	// Objective infers a short phrase describing what the user is trying to
	// do, falling back to the prior turn's objective when no cue matches.
	Objective(text, prior string) string

	// ContextTerms extracts up to max salient terms from the turn:
	// capitalized multi-word phrases first, then the most frequent
	// non-stopword tokens.
	ContextTerms(text string, max int) []string

	// IsHedge reports whether a generated answer is a stock non-answer.
	IsHedge(text string) bool
}

// Heuristic is the default pattern-matching Classifier. The zero value is
// ready to use.
type Heuristic struct{}

var _ Classifier = Heuristic{}

// followUpTokenLimit: turns shorter than this many tokens are treated as
// follow-ups even without an explicit continuation cue.
const followUpTokenLimit = 6

// followUpCues are continuation phrases that mark a turn as a follow-up.
var followUpCues = []string{
	"what about",
	"how about",
	"and what",
	"and how",
	"also",
	"what else",
	"anything else",
	"same for",
	"again",
}

// IsFollowUp reports whether the turn matches a continuation cue or is short
// enough to be an elliptical reference to the previous topic.
func (Heuristic) IsFollowUp(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return false
	}
	for _, cue := range followUpCues {
		if strings.HasPrefix(lower, cue) {
			return true
		}
	}
	return len(strings.Fields(lower)) < followUpTokenLimit
}

// objectiveCues are task/question cue words, longest first so "how many"
// style phrasings match before the bare word.
var objectiveCues = []string{
	"summarize",
	"summarise",
	"compare",
	"explain",
	"describe",
	"list",
	"how",
	"why",
	"what",
	"when",
	"where",
	"who",
}

// Objective keeps the suffix of the turn starting at the first matched cue
// word as the objective phrase. When no cue matches, the prior objective is
// carried forward.
func (Heuristic) Objective(text, prior string) string {
	lower := strings.ToLower(text)
	best := -1
	for _, cue := range objectiveCues {
		idx := indexWord(lower, cue)
		if idx >= 0 && (best == -1 || idx < best) {
			best = idx
		}
	}
	if best == -1 {
		return prior
	}
	obj := strings.TrimSpace(text[best:])
	obj = strings.TrimRight(obj, "?!. ")
	if obj == "" {
		return prior
	}
	return obj
}

// indexWord finds cue as a whole word in lower, or -1.
func indexWord(lower, cue string) int {
	for start := 0; ; {
		idx := strings.Index(lower[start:], cue)
		if idx < 0 {
			return -1
		}
		idx += start
		before := idx == 0 || !isWordByte(lower[idx-1])
		afterIdx := idx + len(cue)
		after := afterIdx >= len(lower) || !isWordByte(lower[afterIdx])
		if before && after {
			return idx
		}
		start = idx + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9'
}

// phraseRe matches capitalized multi-word phrases ("Acme Corp", "North
// American Sales").
var phraseRe = regexp.MustCompile(`\b[A-Z][A-Za-z0-9]*(?:\s+[A-Z][A-Za-z0-9]*)+\b`)

// tokenRe extracts lowercase alphanumeric tokens.
var tokenRe = regexp.MustCompile(`[a-z0-9]+`)

// stopwords excludes structural words from context-term extraction.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "that": true,
	"this": true, "what": true, "how": true, "why": true, "who": true,
	"when": true, "where": true, "about": true, "are": true, "was": true,
	"were": true, "can": true, "could": true, "would": true, "should": true,
	"does": true, "did": true, "have": true, "has": true, "had": true,
	"you": true, "your": true, "our": true, "their": true, "they": true,
	"its": true, "not": true, "but": true, "all": true, "any": true,
	"tell": true, "please": true, "from": true, "into": true, "there": true,
	"will": true, "more": true, "much": true, "many": true, "also": true,
}

// ContextTerms merges capitalized phrases (taking precedence) with the most
// frequent non-stopword tokens of length >= 3, deduplicated
// case-insensitively and capped at max.
func (Heuristic) ContextTerms(text string, max int) []string {
	if max <= 0 {
		return nil
	}

	var terms []string
	seen := map[string]bool{}
	add := func(term string) {
		key := strings.ToLower(term)
		if seen[key] || len(terms) >= max {
			return
		}
		seen[key] = true
		terms = append(terms, term)
	}

	for _, phrase := range phraseRe.FindAllString(text, -1) {
		add(phrase)
	}

	freq := map[string]int{}
	var order []string
	for _, tok := range tokenRe.FindAllString(strings.ToLower(text), -1) {
		if len(tok) < 3 || stopwords[tok] {
			continue
		}
		if freq[tok] == 0 {
			order = append(order, tok)
		}
		freq[tok]++
	}
	// Most frequent first; ties keep appearance order.
	sort.SliceStable(order, func(i, j int) bool { return freq[order[i]] > freq[order[j]] })
	for _, tok := range order {
		add(tok)
	}

	return terms
}

// hedgePatterns match stock non-answers in generated text.
var hedgePatterns = []string{
	"not publicly disclosed",
	"not publicly available",
	"contact support",
	"contact customer support",
	"i don't have",
	"i do not have",
	"i don't know",
	"no information available",
	"cannot provide",
	"can't provide",
	"unable to find",
	"unable to provide",
	"not specified in",
	"as an ai",
	"consult the documentation",
}

// IsHedge reports whether a generated answer matches a stock non-answer
// pattern. Matched answers should be treated as low confidence even though
// text was produced.
func (Heuristic) IsHedge(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range hedgePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
