// Package radiusfe exposes the authentication engine and session ledger
// over RADIUS UDP. Access-Request maps onto the authentication sequence,
// Accounting-Request onto the session ledger.
package radiusfe

import (
	"context"
	"time"

	"go.uber.org/zap"
	"layeh.com/radius"
)

// ErrServerShutdown is returned by ListenAndServe after a clean Shutdown.
var ErrServerShutdown = radius.ErrServerShutdown

// Config holds RADIUS front end configuration.
type Config struct {
	// Addr is the UDP listen address, host:port.
	Addr string `json:"addr"`

	// Secret is the shared secret expected from all NAS clients.
	Secret string `json:"secret"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr: ":1812",
	}
}

// Server wraps a RADIUS UDP packet server around a Handler.
type Server struct {
	config Config
	ps     *radius.PacketServer
	logger *zap.Logger
}

// NewServer creates a RADIUS server for the given handler.
func NewServer(config Config, handler radius.Handler, logger *zap.Logger) *Server {
	return &Server{
		config: config,
		ps: &radius.PacketServer{
			Addr:         config.Addr,
			SecretSource: radius.StaticSecretSource([]byte(config.Secret)),
			Handler:      handler,
		},
		logger: logger,
	}
}

// ListenAndServe starts the UDP server and blocks until Shutdown or a
// listener error.
func (s *Server) ListenAndServe() error {
	s.logger.Info("RADIUS server listening", zap.String("addr", s.config.Addr))
	return s.ps.ListenAndServe()
}

// Shutdown stops the server, waiting for in-flight handlers up to the
// context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
	}
	return s.ps.Shutdown(ctx)
}
