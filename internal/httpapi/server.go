package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/AgentHive-Network/credit_layer/internal/config"
	"github.com/AgentHive-Network/credit_layer/internal/system"
	"github.com/AgentHive-Network/credit_layer/pkg/logger"
)

// Server runs the HTTP API as a managed service.
type Server struct {
	srv *http.Server
	log *logger.Logger
}

var _ system.Service = (*Server)(nil)

// NewServer creates the API server from configuration.
func NewServer(cfg config.ServerConfig, handler http.Handler, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault("http-server")
	}
	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
		log: log,
	}
}

func (s *Server) Name() string { return "http-server" }

func (s *Server) Start(_ context.Context) error {
	go func() {
		s.log.WithField("addr", s.srv.Addr).Info("http server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("http server stopped")
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
