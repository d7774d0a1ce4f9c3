package gateway

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/example/gpugate/internal/config"
	"github.com/example/gpugate/internal/logging"
	"github.com/example/gpugate/internal/metrics"
)

// Server wraps the gateway with HTTP server functionality.
type Server struct {
	gateway *Gateway
	cfg     *config.Config
	httpSrv *http.Server
}

// NewServer creates a gateway server.
func NewServer(cfg *config.Config, reg *metrics.Registry, logger *zap.Logger) *Server {
	gw := New(cfg, reg, logger)

	return &Server{
		gateway: gw,
		cfg:     cfg,
		httpSrv: &http.Server{
			Addr:              cfg.Server.Listen,
			Handler:           gw.Handler(),
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
			// WriteTimeout stays zero: SSE responses outlive any fixed
			// write deadline; the per-request context bounds them instead.
			WriteTimeout: 0,
		},
	}
}

// Gateway returns the wrapped gateway.
func (s *Server) Gateway() *Gateway {
	return s.gateway
}

// Run starts the server and blocks until SIGINT/SIGTERM, then shuts down
// gracefully within the configured timeout.
func (s *Server) Run() error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info("Listening", zap.String("addr", s.httpSrv.Addr))
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		logging.Info("Shutting down", zap.String("signal", sig.String()))
	}

	return s.Shutdown()
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(ctx)
}
