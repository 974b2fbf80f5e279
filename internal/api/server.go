// Package api exposes the capture pipeline over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/xkilldash9x/profilecap/internal/config"
	"github.com/xkilldash9x/profilecap/internal/events"
	"github.com/xkilldash9x/profilecap/internal/profile"
	"github.com/xkilldash9x/profilecap/internal/session"
	"github.com/xkilldash9x/profilecap/internal/store"
)

// Fetcher captures a profile.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) profile.FetchResult
}

// History lists recent captures.
type History interface {
	RecentCaptures(ctx context.Context, limit int) ([]store.Capture, error)
}

// StatusSource reports the shared session's state.
type StatusSource interface {
	Status() session.Status
}

// Subscriber hands out event subscriptions.
type Subscriber interface {
	Subscribe() (<-chan events.Event, func())
}

// Deps wires a Server. History and Events may be nil.
type Deps struct {
	Fetcher  Fetcher
	History  History
	Sessions StatusSource
	Events   Subscriber
	Logger   *zap.Logger
}

// Server is the HTTP front end.
type Server struct {
	cfg      config.ServerConfig
	fetcher  Fetcher
	history  History
	sessions StatusSource
	events   Subscriber
	logger   *zap.Logger

	httpServer *http.Server
}

func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	s := &Server{
		cfg:      cfg,
		fetcher:  deps.Fetcher,
		history:  deps.History,
		sessions: deps.Sessions,
		events:   deps.Events,
		logger:   deps.Logger.Named("api"),
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.Routes(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		ErrorLog:     zap.NewStdLog(s.logger),
	}
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware, s.recoverMiddleware, s.loggingMiddleware)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/profile/screenshot", s.handleScreenshot).Methods(http.MethodPost)
	// Route the service was first deployed with.
	api.HandleFunc("/screenshot", s.handleScreenshot).Methods(http.MethodPost)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/session", s.handleSession).Methods(http.MethodGet)
	api.HandleFunc("/captures", s.handleCaptures).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Not found", Message: "No such endpoint"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "Method not allowed", Message: "Method not allowed"})
	})
	return r
}

// ListenAndServe serves until Shutdown. A clean shutdown returns nil.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("Server running", zap.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
