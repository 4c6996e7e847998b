package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/m4ttr/docqa-go/internal/logging"
)

// probeTimeout is the maximum time allowed for each individual dependency
// probe during a readiness check. Kept short so /api/ready responds quickly
// even when a dependency is slow rather than unreachable.
const probeTimeout = 5 * time.Second

// Pinger is the interface implemented by any dependency that can report its
// own reachability. Each implementation must return nil when the dependency
// is healthy and a descriptive error otherwise.
// Implementations must be safe to call from multiple goroutines.
type Pinger interface {
	// Ping checks whether the dependency is reachable within the given context.
	// Returns nil on success, a descriptive error on failure.
	Ping(ctx context.Context) error

	// Name returns a short human-readable label used in readiness responses
	// (e.g. "embedder", "kb:support").
	Name() string
}

// readyCheck holds the per-dependency result of a readiness probe.
type readyCheck struct {
	// Name is the dependency label (e.g. "embedder", "kb:support").
	Name string `json:"name"`
	// OK is true when the dependency responded successfully.
	OK bool `json:"ok"`
	// Error contains the failure reason when OK is false. Empty on success.
	Error string `json:"error,omitempty"`
}

// readyResponse is the JSON body returned by GET /api/ready.
type readyResponse struct {
	// Ready is true only when every dependency probe succeeded.
	Ready bool `json:"ready"`
	// Checks contains the per-dependency probe results.
	Checks []readyCheck `json:"checks"`
}

// handleReady handles GET /api/ready for readiness checks.
// It probes each registered Pinger with a short timeout and returns 200 when
// all dependencies are reachable, or 503 when any probe fails.
// Unlike /api/health (liveness), this endpoint reflects actual dependency state.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	resp := readyResponse{Ready: true}
	allOK := true

	for _, p := range s.pingers {
		probeCtx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := p.Ping(probeCtx)
		cancel()

		check := readyCheck{Name: p.Name(), OK: err == nil}
		if err != nil {
			check.Error = err.Error()
			allOK = false
			log.Warn("readiness probe failed",
				slog.String("dependency", p.Name()),
				slog.Any("error", err),
			)
		}
		resp.Checks = append(resp.Checks, check)
	}

	resp.Ready = allOK

	status := http.StatusOK
	if !allOK {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error("ready encode error", slog.Any("error", err))
	}
}

// EmbedderPinger probes the embedding backend by requesting a single
// embedding. It satisfies the Pinger interface and is used by GET /api/ready.
type EmbedderPinger struct {
	// emb is the embedding client to probe.
	emb embeddingProber
	// name identifies the backend in readiness responses (e.g. "ollama").
	name string
}

// embeddingProber is the slice of the embedder client the pinger needs.
type embeddingProber interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// NewEmbedderPinger constructs an EmbedderPinger for the given client and
// backend name.
func NewEmbedderPinger(emb embeddingProber, name string) *EmbedderPinger {
	return &EmbedderPinger{emb: emb, name: name}
}

// Name returns the backend label used in readiness responses.
func (p *EmbedderPinger) Name() string { return p.name }

// Ping requests one embedding from the backend. The probe text is fixed so
// backends that cache see no extra load.
func (p *EmbedderPinger) Ping(ctx context.Context) error {
	vecs, err := p.emb.Embed(ctx, []string{"ping"})
	if err != nil {
		return fmt.Errorf("embed probe failed: %w", err)
	}
	if len(vecs) != 1 || len(vecs[0]) == 0 {
		return fmt.Errorf("embed probe returned no vector")
	}
	return nil
}

// KBPinger probes a knowledge base index by pinging its SQLite handle.
// It satisfies the Pinger interface and is used by GET /api/ready.
type KBPinger struct {
	// kb is the knowledge base to probe.
	kb kbProber
}

// kbProber is the slice of the store the pinger needs.
type kbProber interface {
	Name() string
	Ping(ctx context.Context) error
}

// NewKBPinger constructs a KBPinger for the given knowledge base.
func NewKBPinger(kb kbProber) *KBPinger {
	return &KBPinger{kb: kb}
}

// Name returns the dependency label used in readiness responses.
func (p *KBPinger) Name() string { return "kb:" + p.kb.Name() }

// Ping checks the knowledge base's database connection.
func (p *KBPinger) Ping(ctx context.Context) error {
	if err := p.kb.Ping(ctx); err != nil {
		return fmt.Errorf("index unreachable: %w", err)
	}
	return nil
}
