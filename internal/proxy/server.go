package proxy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"gemini-relay/internal/config"
)

// Server wraps http.Server with the middleware chain and optional h2c.
type Server struct {
	httpServer *http.Server
}

// NewServer builds the server for the given app. When HTTP/2 is enabled the
// handler is wrapped in h2c so cleartext clients can still upgrade.
func NewServer(cfg *config.Config, app *App) *Server {
	var handler http.Handler = app.Routes()
	handler = LoggingMiddleware(handler)
	handler = RequestIDMiddleware(handler)
	handler = IngressLimitMiddleware(cfg.IngressRPS, handler)

	if cfg.EnableHTTP2 {
		h2s := &http2.Server{}
		handler = h2c.NewHandler(handler, h2s)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			// No WriteTimeout: responses are open-ended SSE streams bounded
			// by the per-request upstream deadline instead.
			IdleTimeout: 120 * time.Second,
		},
	}
}

// Start begins serving. Blocks until the listener closes.
func (s *Server) Start() error {
	log.Info().Str("addr", s.httpServer.Addr).Msg("server listening")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("shutting down server")
	return s.httpServer.Shutdown(ctx)
}
