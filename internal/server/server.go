// Package server assembles the HTTP surface: admin endpoints under
// /_interceptor/ and the catch-all proxy for everything else.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/llmtap/llmtap/internal/config"
	"github.com/llmtap/llmtap/internal/provider"
	"github.com/llmtap/llmtap/internal/proxy"
	"github.com/llmtap/llmtap/internal/store"
)

// Server holds the router and the dependencies its handlers need.
type Server struct {
	router chi.Router
	cfg    *config.Config
	store  *store.Store
	logger *log.Logger
	http   *http.Server
}

// New wires up routes and middleware and returns a Server ready to run.
func New(cfg *config.Config, st *store.Store, logger *log.Logger) *Server {
	s := &Server{cfg: cfg, store: st, logger: logger}
	s.routes()
	s.http = &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: s.router,
	}
	return s
}

func (s *Server) routes() {
	r := chi.NewRouter()

	if s.cfg.Verbose {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)

	// Admin surface. The whole prefix is reserved: unknown paths under it
	// return 404 instead of falling through to provider classification.
	r.Route("/_interceptor", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)
		r.Get("/sessions", s.handleSessions)
		r.Get("/interactions", s.handleListInteractions)
		r.Delete("/interactions", s.handleClearInteractions)
		r.Get("/interactions/{id}", s.handleGetInteraction)
	})

	// Everything else is proxied.
	p := proxy.New(s.cfg, provider.NewRegistry(s.cfg), s.store, s.logger)
	r.Handle("/*", p)

	s.router = r
}

// ServeHTTP makes Server an http.Handler; requests delegate to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves until ctx is cancelled, then shuts down gracefully: stop
// accepting, let in-flight handlers finish within the grace period, and
// drain pending store writes so every completed request is persisted.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()
	s.logger.Printf("listening on http://%s", s.cfg.ListenAddr())

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
	defer cancel()

	if err := s.http.Shutdown(shutdownCtx); err != nil {
		// Grace period expired with handlers still running; their writes
		// may be lost, but whatever is queued still gets flushed below.
		s.logger.Printf("shutdown: %v", err)
	}
	if err := s.store.Sync(shutdownCtx); err != nil {
		return fmt.Errorf("flushing store on shutdown: %w", err)
	}
	return nil
}
