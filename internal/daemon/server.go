package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/convsync/internal/api"
	"github.com/matheus3301/convsync/internal/config"
	"github.com/matheus3301/convsync/internal/paths"
)

// Server manages the local API server lifecycle for a profile daemon.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	socketPath string
	cancel     context.CancelFunc
	logger     *zap.Logger
}

// NewServer binds the local API to the profile's Unix domain socket, or to
// the TCP address in [http] listen when set.
func NewServer(p Params, cfg *config.Config, logger *zap.Logger, apiSrv *api.Server) (*Server, error) {
	var (
		listener   net.Listener
		socketPath string
		err        error
	)
	if cfg.HTTP.Listen != "" {
		listener, err = net.Listen("tcp", cfg.HTTP.Listen)
		if err != nil {
			return nil, fmt.Errorf("listen tcp: %w", err)
		}
	} else {
		socketPath = p.SocketPath
		if socketPath == "" {
			socketPath = paths.SocketPath(p.Profile)
		}
		// Clean stale socket if it exists.
		if _, err := os.Stat(socketPath); err == nil {
			_ = os.Remove(socketPath)
		}
		listener, err = net.Listen("unix", socketPath)
		if err != nil {
			return nil, fmt.Errorf("listen unix socket: %w", err)
		}
		if err := os.Chmod(socketPath, 0600); err != nil {
			_ = listener.Close()
			return nil, fmt.Errorf("chmod socket: %w", err)
		}
	}

	// Request contexts derive from base, so cancelling it ends long-lived
	// event streams on shutdown.
	base, cancel := context.WithCancel(context.Background())
	return &Server{
		httpServer: &http.Server{
			Handler:           apiSrv.Router(),
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return base },
		},
		listener:   listener,
		socketPath: socketPath,
		cancel:     cancel,
		logger:     logger,
	}, nil
}

// Addr returns the address the server listens on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Start begins serving requests. Blocks until stopped.
func (s *Server) Start() error {
	s.logger.Info("api server starting", zap.String("addr", s.Addr()))
	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop ends open event streams, performs a graceful shutdown and removes
// the socket file.
func (s *Server) Stop(ctx context.Context) {
	s.logger.Info("api server stopping")
	s.cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("graceful shutdown incomplete", zap.Error(err))
		_ = s.httpServer.Close()
	}
	if s.socketPath != "" {
		_ = os.Remove(s.socketPath)
	}
}
