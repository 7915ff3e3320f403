package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/config"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/logging"
	"github.com/surfdude29/tweets-2-bsky-sub001/internal/metrics"
)

// Server serves the status and control API.
type Server struct {
	Config     *config.Config
	handler    *Handler
	httpServer *http.Server
}

// NewServer creates a new Server instance.
func NewServer(cfg *config.Config, ctl Controller, store DeliveryStore) *Server {
	return &Server{
		Config:  cfg,
		handler: NewHandler(ctl, store),
	}
}

// Router builds the route tree with the metrics middleware in front.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(metrics.Middleware(routePattern))
	s.handler.RegisterRoutes(r)
	return r
}

// routePattern labels metrics with the matched chi pattern, not the raw path.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}

// Start runs the HTTP server in a goroutine.
func (s *Server) Start() {
	s.httpServer = &http.Server{
		Addr:        s.Config.ListenAddr,
		Handler:     s.Router(),
		ReadTimeout: 15 * time.Second,
		// A manual check holds the request open for the whole pass.
		WriteTimeout: s.Config.TaskTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	logging.Info("Starting web server on %s", s.Config.ListenAddr)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal("Web server failed: %v", err)
		}
	}()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	logging.Info("Shutting down web server...")
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
	return nil
}
