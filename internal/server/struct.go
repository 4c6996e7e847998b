package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/m4ttr/docqa-go/internal/router"
)

// Config holds the HTTP server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1).
	Host string
	// Port is the TCP port to listen on (default: 8080).
	Port int
	// ReadTimeout is the maximum duration for reading the request.
	ReadTimeout time.Duration
	// WriteTimeout is the maximum duration for writing the response.
	WriteTimeout time.Duration
	// ShutdownTimeout is the maximum duration for a graceful shutdown.
	ShutdownTimeout time.Duration
	// Logger is the structured logger used by the server and its handlers.
	// If nil, [logging.New] is used.
	Logger *slog.Logger
	// Pingers is the ordered list of dependency probes run by GET /api/ready.
	// If empty, /api/ready returns 200 with no checks (liveness-only mode).
	Pingers []Pinger
	// RateLimit is the sustained request rate allowed per IP on POST /api/ask
	// (requests/second). Defaults to 10 if zero.
	RateLimit float64
	// RateBurst is the maximum instantaneous burst per IP. Defaults to 20 if zero.
	RateBurst int
	// APIKey is the Bearer token required on POST /api/ask and GET /api/kb.
	// If empty, authentication is disabled (development mode).
	APIKey string
	// Registry receives all server metrics. Defaults to the global Prometheus
	// registry; tests inject a fresh one to stay hermetic.
	Registry *prometheus.Registry
}

// asker is the interface handleAsk calls to answer a question.
// *router.Router satisfies it; tests inject a fake.
type asker interface {
	// Ask runs one conversational turn and returns the answer and the id of
	// the session it ran in.
	Ask(ctx context.Context, sessionID, question string) (router.Answer, string, error)

	// Sessions reports the number of live sessions, for metrics.
	Sessions() int
}

// KBStatter reports per-knowledge-base index statistics for GET /api/kb.
// *store.KB satisfies it.
type KBStatter interface {
	Name() string
	Stats(ctx context.Context) (docs, chunks int, err error)
}

// Server is the HTTP server that exposes the question-answering engine.
type Server struct {
	// engine answers questions; set to the router in production, overridden
	// by a fake in tests.
	engine asker
	// kbs is the list of knowledge bases reported by GET /api/kb.
	kbs []KBStatter
	// cfg holds the resolved server configuration.
	cfg *Config
	// httpServer is the underlying net/http server.
	httpServer *http.Server
	// log is the structured logger for this server instance.
	log *slog.Logger
	// pingers is the ordered list of dependency probes for GET /api/ready.
	pingers []Pinger
	// metrics holds the Prometheus instruments owned by this server.
	metrics *serverMetrics
	// stopRL stops the rate limiter's background eviction goroutine on shutdown.
	stopRL func()
}

// askRequest is the JSON body for POST /api/ask.
type askRequest struct {
	// Question is the user's natural language question.
	Question string `json:"question"`
	// SessionID continues an existing conversation. Empty starts a new one.
	SessionID string `json:"session_id"`
}

// askResponse is the JSON response for POST /api/ask.
type askResponse struct {
	// Status is "ok" on success.
	Status string `json:"status"`
	// SessionID identifies the session the turn ran in. Clients pass it back
	// to keep follow-up questions in context.
	SessionID string `json:"session_id"`
	// Answer is the answer text.
	Answer string `json:"answer"`
	// Mode is how the answer was produced: "context", "generation", or "none".
	Mode string `json:"mode"`
	// Sources lists the retrieval hits behind a context answer.
	Sources []router.Source `json:"sources"`
}

// kbStat is the per-knowledge-base entry in the GET /api/kb response.
type kbStat struct {
	// Name is the knowledge base name.
	Name string `json:"name"`
	// Documents is the number of ingested documents.
	Documents int `json:"documents"`
	// Chunks is the number of indexed chunks.
	Chunks int `json:"chunks"`
	// Error contains the failure reason when the index could not be read.
	Error string `json:"error,omitempty"`
}

// kbListResponse is the JSON response for GET /api/kb.
type kbListResponse struct {
	// KnowledgeBases lists all configured knowledge bases with their stats.
	KnowledgeBases []kbStat `json:"knowledge_bases"`
}
