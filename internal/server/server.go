package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/LouYuanbo1/apicapture/internal/config"
	"github.com/LouYuanbo1/apicapture/internal/service/capture"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

type Server struct {
	cfg     *config.Config
	service capture.CaptureService
	// sessions 限制同时运行的浏览器数量
	sessions   *semaphore.Weighted
	httpServer *http.Server
	logger     *zap.Logger
}

func New(cfg *config.Config, service capture.CaptureService, logger *zap.Logger) (*Server, error) {
	if strings.TrimSpace(cfg.Server.Addr) == "" {
		return nil, fmt.Errorf("server address is required")
	}
	if cfg.Server.MaxConcurrent <= 0 {
		return nil, fmt.Errorf("server.max_concurrent must be positive")
	}
	mux := http.NewServeMux()

	readHeaderTimeout := time.Duration(cfg.Server.ReadHeaderTimeoutSeconds) * time.Second
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = 5 * time.Second
	}
	s := &Server{
		cfg:      cfg,
		service:  service,
		sessions: semaphore.NewWeighted(int64(cfg.Server.MaxConcurrent)),
		httpServer: &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		},
		logger: logger,
	}

	s.routes(mux)
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Server.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("api is running", zap.String("addr", ln.Addr().String()))

	go func() {
		<-ctx.Done()
		timeout := time.Duration(s.cfg.Server.ShutdownTimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = 3 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := s.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("shutdown", zap.Error(err))
		}
	}()
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
