package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/Lucascabral95/server-check-uptime-monitor-sub000/internal/config"
)

// Server wraps the http.Server to provide graceful shutdown.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer validates addr and creates the ops API server.
func NewServer(addr string, deps Dependencies) (*Server, error) {
	if err := config.ValidateHostPort(addr); err != nil {
		return nil, fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      NewRouter(deps),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: deps.Logger,
	}, nil
}

// Start binds the listener and serves in a new goroutine. Errors after the
// bind are sent on the returned channel.
func (s *Server) Start() (<-chan error, error) {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return nil, fmt.Errorf("could not start HTTP server: %w", err)
	}
	s.logger.Info("starting HTTP server", slog.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh, nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
