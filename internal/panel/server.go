// Package panel serves the inspector: the ingest API that instrumented
// applications post traces to, the management API the CLI and the web
// page read from, the embedded page itself, and the WebSocket feed that
// pushes throttled snapshots on every store mutation.
package panel

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/fetchlens/fetchlens/internal/config"
	"github.com/fetchlens/fetchlens/internal/export"
	"github.com/fetchlens/fetchlens/internal/filter"
	"github.com/fetchlens/fetchlens/internal/render"
	"github.com/fetchlens/fetchlens/internal/trace"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Server is the inspector HTTP server.
type Server struct {
	config      config.ServerConfig
	store       *trace.Store
	sched       *render.Scheduler
	filters     *filter.Engine
	exporter    *export.Exporter
	hub         *Hub
	mux         *http.ServeMux
	httpServer  *http.Server
	logger      *slog.Logger
	unsubscribe func()
	startedAt   time.Time
}

// NewServer creates the inspector server and subscribes it to the
// store: every store mutation schedules a render, which broadcasts a
// snapshot over the WebSocket feed.
func NewServer(
	cfg config.ServerConfig,
	store *trace.Store,
	sched *render.Scheduler,
	filters *filter.Engine,
	exporter *export.Exporter,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:    cfg,
		store:     store,
		sched:     sched,
		filters:   filters,
		exporter:  exporter,
		hub:       NewHub(logger, cfg.CORS),
		mux:       http.NewServeMux(),
		logger:    logger.With("component", "panel.Server"),
		startedAt: time.Now(),
	}

	s.unsubscribe = store.Subscribe(func() {
		s.sched.Schedule(s.render)
	})

	s.registerRoutes()
	return s
}

// authRequired wraps a handler with Bearer token authentication. With
// no token configured the handler is returned unwrapped.
func (s *Server) authRequired(next http.HandlerFunc) http.HandlerFunc {
	if s.config.AuthToken == "" {
		return next
	}

	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" || !strings.HasPrefix(header, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
			return
		}
		if strings.TrimPrefix(header, "Bearer ") != s.config.AuthToken {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r)
	}
}

func (s *Server) registerRoutes() {
	// Ingest — posted by instrumented applications. Unauthenticated:
	// the producer is the app under inspection on the same machine.
	s.mux.HandleFunc("POST /v1/operations/start", s.handleStartOperation)
	s.mux.HandleFunc("POST /v1/operations/{id}/steps", s.handleAddStep)
	s.mux.HandleFunc("POST /v1/operations/{id}/end", s.handleEndOperation)
	s.mux.HandleFunc("POST /v1/operations/{id}/discard", s.handleDiscardOperation)
	s.mux.HandleFunc("POST /v1/lifecycle", s.handleLifecycle)
	s.mux.HandleFunc("POST /v1/events", s.handleIngestEvent)
	s.mux.HandleFunc("POST /v1/invalidations", s.handleIngestInvalidation)

	// Management — read by the CLI and the panel page.
	s.mux.HandleFunc("GET /api/traces", s.authRequired(s.handleListTraces))
	s.mux.HandleFunc("GET /api/traces/{id}", s.authRequired(s.handleGetTrace))
	s.mux.HandleFunc("GET /api/events", s.authRequired(s.handleListEvents))
	s.mux.HandleFunc("GET /api/invalidations", s.authRequired(s.handleListInvalidations))
	s.mux.HandleFunc("GET /api/filters", s.authRequired(s.handleGetFilters))
	s.mux.HandleFunc("PUT /api/filters", s.authRequired(s.handleSetFilters))
	s.mux.HandleFunc("POST /api/clear", s.authRequired(s.handleClear))
	s.mux.HandleFunc("POST /api/export", s.authRequired(s.handleExport))

	// Status is always public so `fetchlens status` works without a token.
	s.mux.HandleFunc("GET /api/status", s.handleStatus)

	// WebSocket snapshot feed + embedded panel page.
	s.mux.HandleFunc("GET /ws", s.hub.HandleWebSocket)
	s.mux.HandleFunc("GET /", s.handleIndex)
}

// render builds the current filtered snapshot and broadcasts it to all
// WebSocket clients. Runs on the scheduler, so bursts of store
// mutations collapse into one broadcast per interval.
func (s *Server) render() {
	s.hub.Broadcast("snapshot", s.snapshot())
}

// renderNow bypasses throttling for user-initiated changes (filters,
// clear) where a delayed panel looks broken.
func (s *Server) renderNow() {
	s.sched.Immediate(s.render)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	if s.config.CORS {
		return corsMiddleware(s.mux)
	}
	return s.mux
}

// Start starts the server on the given address. Blocks until shutdown.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("inspector listening", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server: detaches from the store,
// cancels any pending render, and closes WebSocket connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.unsubscribe()
	s.sched.Cancel()
	s.hub.Close()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers for development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
