// Package http provides the HTTP/JSON transport over the core operations.
package http

import (
	"context"
	"net/http"
	"time"

	. "github.com/rarestg/codex-conversation-manager/internal/logging"
	"github.com/rarestg/codex-conversation-manager/internal/service"
)

// Server represents the HTTP server
type Server struct {
	server  *http.Server
	service *service.Service
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Listen string // Address to listen on (e.g., "127.0.0.1:7483")
}

// NewServer creates a new HTTP server instance
func NewServer(cfg *ServerConfig, svc *service.Service) *Server {
	listen := cfg.Listen
	if listen == "" {
		listen = "127.0.0.1:7483"
	}

	s := &Server{service: svc}
	s.server = &http.Server{
		Addr:         listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tree", s.handleTree)
	mux.HandleFunc("GET /api/sessions/raw", s.handleSessionRaw)
	mux.HandleFunc("POST /api/reindex", s.handleReindex)
	mux.HandleFunc("POST /api/reset", s.handleReset)
	mux.HandleFunc("GET /api/search", s.handleSearch)
	mux.HandleFunc("GET /api/resolve", s.handleResolve)
	mux.HandleFunc("GET /api/sessions/matches", s.handleSessionMatches)
	mux.HandleFunc("GET /api/workspaces", s.handleWorkspaces)
	return s.logRequests(mux)
}

// logRequests wraps the mux with per-request elapsed-time logging.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		L_debug("http: request",
			"method", r.Method,
			"path", r.URL.Path,
			"elapsedMs", time.Since(start).Milliseconds(),
		)
	})
}

// Start begins serving. Blocks until the listener fails or Stop is called.
func (s *Server) Start() error {
	L_info("http: listening", "addr", s.server.Addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	L_info("http: shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
