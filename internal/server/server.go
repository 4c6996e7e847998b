// Package server implements the HTTP server that exposes the retrieval
// router via a small JSON API, plus health, readiness, and Prometheus
// metrics endpoints. The server is started by the `docqa serve` CLI command.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/m4ttr/docqa-go/internal/logging"
	"github.com/m4ttr/docqa-go/internal/router"
)

// New constructs a Server from the provided engine, knowledge bases, and config.
func New(engine asker, kbs []KBStatter, cfg *Config) (*Server, error) {
	if engine == nil {
		return nil, fmt.Errorf("server: engine must not be nil")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 30 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		// WriteTimeout must cover a full generation-fallback round trip.
		cfg.WriteTimeout = 2 * time.Minute
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = defaultRateLimit
	}
	if cfg.RateBurst == 0 {
		cfg.RateBurst = defaultRateBurst
	}
	log := cfg.Logger
	if log == nil {
		log = logging.New()
	}

	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	gatherer := prometheus.DefaultGatherer
	if cfg.Registry != nil {
		reg = cfg.Registry
		gatherer = cfg.Registry
	}

	s := &Server{
		engine:  engine,
		kbs:     kbs,
		cfg:     cfg,
		log:     log,
		pingers: cfg.Pingers,
		metrics: newServerMetrics(reg, engine.Sessions),
	}

	rl, stopRL := newRateLimiter(cfg.RateLimit, cfg.RateBurst, log)
	s.stopRL = stopRL

	if cfg.APIKey == "" {
		log.Warn("server: DOCQA_API_KEY not set, API authentication disabled")
	}

	mux := http.NewServeMux()
	mux.Handle("POST /api/ask",
		authMiddleware(cfg.APIKey,
			rl.middleware(
				s.instrument("ask", http.HandlerFunc(s.handleAsk)))))
	mux.Handle("GET /api/kb",
		authMiddleware(cfg.APIKey,
			s.instrument("kb", http.HandlerFunc(s.handleKB))))
	mux.Handle("GET /api/health", s.instrument("health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /api/ready", s.instrument("ready", http.HandlerFunc(s.handleReady)))
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      requestLogger(log, mux),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s, nil
}

// Start begins listening and serving HTTP requests. It blocks until the
// context is cancelled, then performs a graceful shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.log.Info("server listening", slog.String("addr", "http://"+s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.stopRL()
		return fmt.Errorf("server: listen error: %w", err)
	case <-ctx.Done():
		s.stopRL()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server: graceful shutdown failed: %w", err)
		}
		return nil
	}
}

// handleAsk handles POST /api/ask requests. One request is one conversational
// turn; the response carries the session id so clients can keep follow-up
// questions in the same session.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	var req askRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Question == "" {
		http.Error(w, "question is required", http.StatusBadRequest)
		return
	}

	start := time.Now()
	ans, sid, err := s.engine.Ask(r.Context(), req.SessionID, req.Question)
	elapsed := time.Since(start)

	if err != nil {
		// Retrieval failure is transient, never a reason to fabricate.
		log.Error("ask failed", slog.Any("error", err))
		s.metrics.askRequestsTotal.WithLabelValues("error").Inc()
		s.metrics.askDurationSeconds.WithLabelValues("error").Observe(elapsed.Seconds())
		http.Error(w, "retrieval temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	s.metrics.askRequestsTotal.WithLabelValues(string(ans.Mode)).Inc()
	s.metrics.askDurationSeconds.WithLabelValues(string(ans.Mode)).Observe(elapsed.Seconds())

	resp := askResponse{
		Status:    "ok",
		SessionID: sid,
		Answer:    ans.Text,
		Mode:      string(ans.Mode),
		Sources:   ans.Sources,
	}
	if resp.Sources == nil {
		resp.Sources = []router.Source{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error("ask encode error", slog.Any("error", err))
	}
}

// handleKB handles GET /api/kb. It reports per-knowledge-base index
// statistics; an unreadable index is reported in-band rather than failing
// the whole response.
func (s *Server) handleKB(w http.ResponseWriter, r *http.Request) {
	log := logging.FromContext(r.Context())

	resp := kbListResponse{KnowledgeBases: []kbStat{}}
	for _, kb := range s.kbs {
		stat := kbStat{Name: kb.Name()}
		docs, chunks, err := kb.Stats(r.Context())
		if err != nil {
			stat.Error = err.Error()
			log.Warn("kb stats failed",
				slog.String("kb", kb.Name()),
				slog.Any("error", err),
			)
		} else {
			stat.Documents = docs
			stat.Chunks = chunks
		}
		resp.KnowledgeBases = append(resp.KnowledgeBases, stat)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Error("kb encode error", slog.Any("error", err))
	}
}

// handleHealth handles GET /api/health for liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
