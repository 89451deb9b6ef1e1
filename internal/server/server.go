// Package server exposes the control plane over HTTP: event ingestion and
// query, checkpoint audit, and the publishing side of the kill-switch
// channels. Every /v1 route except health resolves a bearer credential to
// the organization it acts for, and all reads are scoped to that org.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aigos/aigos/internal/config"
	"github.com/aigos/aigos/internal/event"
)

// Server is the control-plane HTTP server.
type Server struct {
	cfg         config.ServerConfig
	ingestor    *event.Ingestor
	store       event.Store
	checkpoints event.CheckpointStore
	limiter     *event.Limiter
	hub         *CommandHub

	tokens     map[string]string // bearer secret -> orgId
	mux        *http.ServeMux
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer wires the HTTP surface over the given components. gatherer feeds
// GET /metrics; nil selects the default prometheus gatherer. limiter and hub
// may be nil to disable rate limiting and command publishing.
func NewServer(
	cfg config.ServerConfig,
	ingestor *event.Ingestor,
	store event.Store,
	checkpoints event.CheckpointStore,
	limiter *event.Limiter,
	hub *CommandHub,
	gatherer prometheus.Gatherer,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	tokens := make(map[string]string, len(cfg.Auth))
	for _, t := range cfg.Auth {
		if t.Token != "" {
			tokens[t.Token] = t.OrgID
		}
	}

	s := &Server{
		cfg:         cfg,
		ingestor:    ingestor,
		store:       store,
		checkpoints: checkpoints,
		limiter:     limiter,
		hub:         hub,
		tokens:      tokens,
		mux:         http.NewServeMux(),
		logger:      logger.With("component", "server.Server"),
	}
	s.registerRoutes(gatherer)
	return s
}

func (s *Server) registerRoutes(gatherer prometheus.Gatherer) {
	// Ingestion and query.
	s.mux.HandleFunc("POST /v1/events", s.withOrg(s.handleIngestEvent))
	s.mux.HandleFunc("POST /v1/events/batch", s.withOrg(s.handleIngestBatch))
	s.mux.HandleFunc("GET /v1/events", s.withOrg(s.handleListEvents))
	s.mux.HandleFunc("GET /v1/events/{id}", s.withOrg(s.handleGetEvent))
	s.mux.HandleFunc("GET /v1/assets", s.withOrg(s.handleListAssets))
	s.mux.HandleFunc("GET /v1/assets/{assetId}/events", s.withOrg(s.handleAssetEvents))
	s.mux.HandleFunc("GET /v1/checkpoints", s.withOrg(s.handleListCheckpoints))

	// Kill-switch publishing and delivery.
	s.mux.HandleFunc("POST /v1/commands", s.withOrg(s.handlePublishCommand))
	s.mux.HandleFunc("GET /v1/commands/pending", s.withOrg(s.handlePendingCommands))
	s.mux.HandleFunc("GET /v1/commands/stream", s.withOrg(s.handleCommandStream))
	s.mux.HandleFunc("GET /v1/commands/ws", s.withOrg(s.handleCommandSocket))

	// System.
	s.mux.HandleFunc("GET /v1/health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

// Addr returns the configured bind address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	if s.cfg.CORS {
		h = corsMiddleware(h)
	}
	return s.requestLogger(h)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:    s.Addr(),
		Handler: s.Handler(),
		// WriteTimeout stays zero: the command stream holds its response
		// open indefinitely.
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("control plane listening", "addr", s.Addr())
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and closes command subscriptions.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// orgHandler is a handler that runs on behalf of a resolved organization.
type orgHandler func(w http.ResponseWriter, r *http.Request, orgID string)

// withOrg resolves the caller's organization. Bearer credentials come from
// the Authorization header, or from the token query parameter for the
// stream and websocket channels, which cannot set headers. With no
// credentials configured the server is open and the org comes from the
// X-AIGOS-Org header.
func (s *Server) withOrg(next orgHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.tokens) == 0 {
			org := r.Header.Get("X-AIGOS-Org")
			if org == "" {
				org = "default"
			}
			next(w, r, org)
			return
		}

		secret := bearerSecret(r)
		if secret == "" {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or malformed Authorization header")
			return
		}
		org, ok := s.tokens[secret]
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "unknown token")
			return
		}
		next(w, r, org)
	}
}

func bearerSecret(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

// statusWriter records the response code while passing the Flusher and
// Hijacker capabilities through, which SSE and websocket upgrades need.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", r.RemoteAddr,
		)
	})
}

// corsMiddleware opens the API to browser dashboards in development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-AIGOS-Org, X-AIGOS-Token, X-AIGOS-Protocol-Version, X-AIGOS-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ---------------------------------------------------------------------------
// JSON helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the uniform error body: a machine-readable code plus a
// human-readable message.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
