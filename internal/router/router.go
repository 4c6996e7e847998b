// Package router implements the per-turn conversation state machine:
// receive, rewrite follow-ups with accumulated context, retrieve, filter by
// relevance, decide the answering mode, and record the turn. Retrieval
// always gets the first shot; generation is a fallback, and when neither
// clears its confidence bar the router says so instead of guessing.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/m4ttr/docqa-go/internal/budget"
	"github.com/m4ttr/docqa-go/internal/classify"
	"github.com/m4ttr/docqa-go/internal/fewshot"
	"github.com/m4ttr/docqa-go/internal/logging"
	"github.com/m4ttr/docqa-go/internal/provider"
	"github.com/m4ttr/docqa-go/internal/rank"
)

// Mode identifies how an answer was produced.
type Mode string

const (
	// ModeContext answers from retrieved document context (including the
	// direct Q/A shortcut).
	ModeContext Mode = "context"
	// ModeGeneration answers from the generation fallback.
	ModeGeneration Mode = "generation"
	// ModeNone is the graceful no-answer outcome.
	ModeNone Mode = "none"
)

// NoAnswerText is the fixed response when neither retrieval nor generation
// clears its confidence bar.
const NoAnswerText = "I could not find an answer to that in the indexed documents."

// Source identifies where an answer came from.
type Source struct {
	// KB is the knowledge base name.
	KB string `json:"knowledge_base"`
	// Doc is the source document identifier.
	Doc string `json:"document"`
	// ChunkPosition is the chunk's position within its document.
	ChunkPosition int `json:"chunk_position"`
	// Score is the retrieval similarity score.
	Score float64 `json:"score"`
}

// Answer is the outcome of one turn.
type Answer struct {
	// Text is the answer text.
	Text string
	// Mode is how the answer was produced.
	Mode Mode
	// Sources lists the retrieval hits behind a context answer.
	Sources []Source
}

// Ranker is the retrieval surface the router consumes.
type Ranker interface {
	Rank(ctx context.Context, query string) (rank.Result, error)
}

// ExampleSelector supplies few-shot examples for the generation fallback.
type ExampleSelector interface {
	Select(ctx context.Context, query string, perKB int) ([]fewshot.Selected, float64, error)
	Empty() bool
}

// Config tunes the router.
type Config struct {
	// Threshold is the relevance score below which retrieved context is
	// discarded. Defaults to 0.38 if zero.
	Threshold float64
	// SessionCap is the maximum number of live sessions. Defaults to 512.
	SessionCap int
	// SessionTTL is the idle session lifetime. Defaults to 30 minutes.
	SessionTTL time.Duration
	// MaxContextTerms caps the per-session context-term set. Defaults to 24.
	MaxContextTerms int
	// ExamplesPerKB is the few-shot selection count per knowledge base.
	// Defaults to 3.
	ExamplesPerKB int
	// HistoryTokens is the token budget for fallback history. Defaults to
	// budget.DefaultHistoryTokens.
	HistoryTokens int
	// Temperature is the generation-fallback temperature. Context answers
	// never generate, so no deterministic counterpart is needed here.
	Temperature float32
	// MaxTokens caps fallback generation length (0 = provider default).
	MaxTokens int
}

// Router arbitrates between retrieval and generation per conversational turn.
type Router struct {
	ranker   Ranker
	selector ExampleSelector
	gen      provider.Generator // nil disables the generation fallback
	cls      classify.Classifier
	cfg      Config
	sessions *sessionStore
}

// New constructs a Router. gen may be nil, in which case questions that miss
// retrieval get the fixed no-answer response. selector may be nil when no
// examples are configured.
func New(ranker Ranker, selector ExampleSelector, gen provider.Generator, cls classify.Classifier, cfg Config) (*Router, error) {
	if ranker == nil {
		return nil, fmt.Errorf("router: ranker must not be nil")
	}
	if cls == nil {
		cls = classify.Heuristic{}
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 0.38
	}
	if cfg.MaxContextTerms <= 0 {
		cfg.MaxContextTerms = 24
	}
	if cfg.ExamplesPerKB <= 0 {
		cfg.ExamplesPerKB = 3
	}
	if cfg.HistoryTokens <= 0 {
		cfg.HistoryTokens = budget.DefaultHistoryTokens
	}
	return &Router{
		ranker:   ranker,
		selector: selector,
		gen:      gen,
		cls:      cls,
		cfg:      cfg,
		sessions: newSessionStore(cfg.SessionCap, cfg.SessionTTL),
	}, nil
}

// Sessions returns the number of live sessions, for metrics.
func (r *Router) Sessions() int { return r.sessions.len() }

// Ask processes one conversational turn. An empty sessionID starts a new
// session; the returned id identifies the session the turn ran in. Turns on
// the same session are serialized; turns on distinct sessions run in
// parallel.
func (r *Router) Ask(ctx context.Context, sessionID, question string) (Answer, string, error) {
	log := logging.FromContext(ctx)

	sess, sid := r.sessions.get(sessionID)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	// REWRITE: follow-ups get the accumulated context appended as a hint;
	// fresh questions pass through unchanged.
	query := question
	if r.cls.IsFollowUp(question) {
		if hint := r.contextHint(sess); hint != "" {
			query = question + " (" + hint + ")"
			log.Debug("router: follow-up rewritten",
				slog.String("session", sid),
				slog.String("query", query),
			)
		}
	}
	sess.addTerms(r.cls.ContextTerms(question, r.cfg.MaxContextTerms), r.cfg.MaxContextTerms)
	sess.objective = r.cls.Objective(question, sess.objective)

	// RETRIEVE.
	res, err := r.ranker.Rank(ctx, query)
	if err != nil {
		return Answer{}, sid, fmt.Errorf("router: retrieval temporarily unavailable: %w", err)
	}

	// FILTER + decide.
	answer := r.decide(ctx, sess, question, res)

	// RECORD.
	sess.history = append(sess.history,
		schema.UserMessage(question),
		schema.AssistantMessage(answer.Text, nil),
	)

	log.Info("router: turn complete",
		slog.String("session", sid),
		slog.String("mode", string(answer.Mode)),
		slog.Int("sources", len(answer.Sources)),
	)
	return answer, sid, nil
}

// contextHint renders the accumulated terms and objective as the
// parenthetical rewrite hint.
func (r *Router) contextHint(sess *session) string {
	var parts []string
	if len(sess.terms) > 0 {
		parts = append(parts, "regarding: "+strings.Join(sess.terms, ", "))
	}
	if sess.objective != "" {
		parts = append(parts, "objective: "+sess.objective)
	}
	return strings.Join(parts, "; ")
}

// decide applies the relevance filter and picks the answering mode. An
// adequate direct Q/A match always wins; otherwise the best surviving hit
// answers from context; otherwise generation, if available and not hedging;
// otherwise the fixed no-answer.
func (r *Router) decide(ctx context.Context, sess *session, question string, res rank.Result) Answer {
	if res.Direct {
		h := res.AnswerHit
		return Answer{
			Text: res.Answer,
			Mode: ModeContext,
			Sources: []Source{{
				KB: h.KB, Doc: h.Doc, ChunkPosition: h.ChunkID, Score: h.Score,
			}},
		}
	}

	if !res.Insufficient {
		var survivors []rank.Hit
		for _, h := range res.Hits {
			if h.Score >= r.cfg.Threshold {
				survivors = append(survivors, h)
			}
		}
		if len(survivors) > 0 {
			best := survivors[0]
			sources := make([]Source, len(survivors))
			for i, h := range survivors {
				sources[i] = Source{KB: h.KB, Doc: h.Doc, ChunkPosition: h.ChunkID, Score: h.Score}
			}
			return Answer{
				Text:    fmt.Sprintf("%s\n\n(source: %s, %s)", best.Text, best.KB, best.Doc),
				Mode:    ModeContext,
				Sources: sources,
			}
		}
	}

	if r.gen != nil {
		if answer, ok := r.generate(ctx, sess, question); ok {
			return Answer{Text: answer, Mode: ModeGeneration}
		}
	}
	return Answer{Text: NoAnswerText, Mode: ModeNone}
}

// generate runs the few-shot fallback: selected examples plus a trimmed
// window of the conversation history plus the raw question. Hedged output
// is discarded — producing text is not the same as answering.
func (r *Router) generate(ctx context.Context, sess *session, question string) (string, bool) {
	log := logging.FromContext(ctx)

	var selected []fewshot.Selected
	if r.selector != nil && !r.selector.Empty() {
		var err error
		selected, _, err = r.selector.Select(ctx, question, r.cfg.ExamplesPerKB)
		if err != nil {
			log.Warn("router: example selection failed, generating without examples",
				slog.Any("error", err),
			)
			selected = nil
		}
	}

	prompt := fewshot.BuildPrompt(selected, question)
	fixed := []*schema.Message{schema.UserMessage(prompt)}
	history := budget.TrimHistory(fixed, sess.history, r.cfg.HistoryTokens)

	msgs := make([]*schema.Message, 0, len(history)+1)
	msgs = append(msgs, history...)
	msgs = append(msgs, fixed...)

	text, err := r.gen.GenerateMessages(ctx, msgs, provider.Options{
		Temperature: r.cfg.Temperature,
		MaxTokens:   r.cfg.MaxTokens,
	})
	if err != nil {
		log.Error("router: generation fallback failed", slog.Any("error", err))
		return "", false
	}
	if text == "" {
		return "", false
	}
	if r.cls.IsHedge(text) {
		log.Debug("router: generated answer hedged, discarding")
		return "", false
	}
	return text, true
}
