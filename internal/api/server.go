// Package api exposes the dispatch gateway over HTTP: call submission, the
// governor's upgrade and transfer operations, call/status inspection, and a
// live event stream.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/molt/internal/auth"
	"github.com/mattjoyce/molt/internal/dispatch"
	"github.com/mattjoyce/molt/internal/events"
	"github.com/mattjoyce/molt/internal/governance"
	"github.com/mattjoyce/molt/internal/ident"
	"github.com/mattjoyce/molt/internal/module"
)

// Engine is the dispatch surface the API serves.
type Engine interface {
	Call(ctx context.Context, d *dispatch.Dispatcher, caller ident.ID, payload []byte, value uint64) (*dispatch.Result, error)
	Snapshot(ctx context.Context, d *dispatch.Dispatcher) (moduleRef, authority ident.ID, err error)
	LookupCall(ctx context.Context, id string) (dispatch.CallRecord, error)
	RecentCalls(ctx context.Context, dispatcher string, limit int) ([]dispatch.CallRecord, error)
	CallCount(ctx context.Context, dispatcher string) (int64, error)
}

// Governance is the governor surface the API serves.
type Governance interface {
	Load(ctx context.Context, id string) (*governance.Governor, error)
	TransferOwnership(ctx context.Context, id string, caller, newOwner ident.ID) error
	UpgradeAndCall(ctx context.Context, d *dispatch.Dispatcher, caller, newModule ident.ID, init []byte, value uint64) (*dispatch.Result, error)
}

// ModuleIndex is the registry surface the API serves.
type ModuleIndex interface {
	Get(ref ident.ID) (*module.Registered, bool)
	FindLabel(label string) (*module.Registered, bool)
	All() []*module.Registered
}

// Config holds API server configuration.
type Config struct {
	Listen  string
	Service string
	Tokens  []auth.TokenConfig
}

// Server is the HTTP API server for one deployed dispatcher.
type Server struct {
	config     Config
	engine     Engine
	gov        Governance
	modules    ModuleIndex
	dispatcher *dispatch.Dispatcher
	hub        *events.Hub
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
}

// New creates a new API server instance.
func New(config Config, engine Engine, gov Governance, modules ModuleIndex, d *dispatch.Dispatcher, hub *events.Hub, logger *slog.Logger) *Server {
	return &Server{
		config:     config,
		engine:     engine,
		gov:        gov,
		modules:    modules,
		dispatcher: d,
		hub:        hub,
		logger:     logger,
		startedAt:  time.Now(),
	}
}

// Start starts the HTTP server and blocks until ctx is done or the listener
// fails.
func (s *Server) Start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	// Protected API. Authorization past this point is identity equality
	// inside the engine; a token only decides who the caller is.
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Post("/call", s.handleCall)
		r.Get("/call/{callID}", s.handleGetCall)
		r.Get("/calls", s.handleRecentCalls)
		r.Get("/status", s.handleStatus)
		r.Get("/modules", s.handleModules)
		r.Get("/events", s.handleEvents)
		r.Post("/governor/upgrade", s.handleUpgrade)
		r.Post("/governor/transfer", s.handleTransfer)
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// authMiddleware resolves the bearer token to a caller identity.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractBearerToken(r)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, err.Error())
			return
		}

		principal, ok := auth.Authenticate(token, s.config.Tokens)
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithPrincipal(r.Context(), principal)))
	})
}
