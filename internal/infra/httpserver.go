package infra

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"
)

// HTTPServer wraps http.Server. WriteTimeout defaults to zero because status
// streams are long-lived; instead every request context derives from a base
// context that Shutdown cancels, so open streams end promptly.
type HTTPServer struct {
	server *http.Server
	base   context.Context
	cancel context.CancelFunc
}

// NewHTTPServer creates a configured HTTP server instance.
func NewHTTPServer(cfg *Config, handler http.Handler) *HTTPServer {
	base, cancel := context.WithCancel(context.Background())
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	return &HTTPServer{server: srv, base: base, cancel: cancel}
}

// Start serves until Shutdown. A graceful Shutdown returns nil.
func (s *HTTPServer) Start() error {
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown ends open streams and waits for in-flight requests until ctx expires.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.server.Shutdown(ctx)
}
