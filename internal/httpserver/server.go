// Package httpserver runs the public API.
package httpserver

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Server wraps the http.Server with sensible defaults.
type Server struct {
	inner *http.Server
}

// New constructs a server listening on the provided port. There is no write
// timeout: session event streams stay open for the life of a session.
func New(port int, handler http.Handler) *Server {
	return &Server{
		inner: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
	}
}

// Start begins serving HTTP traffic. It returns nil after Shutdown.
func (s *Server) Start() error {
	if err := s.inner.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully terminates the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}

// RegisterOnShutdown runs f when Shutdown starts, so long-lived streams can
// be told to close.
func (s *Server) RegisterOnShutdown(f func()) {
	s.inner.RegisterOnShutdown(f)
}
