package webserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stake-plus/govsignal/src/config"
	"github.com/stake-plus/govsignal/src/logging"
	"github.com/stake-plus/govsignal/src/store"
)

// Server is the admin HTTP API. It implements core.Module.
type Server struct {
	srv *http.Server
	log zerolog.Logger
}

func New(cfg config.APIConfig, s *store.Store, res Resolver, gatherer prometheus.Gatherer) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	attachRoutes(r, cfg, s, res, gatherer)

	return &Server{
		srv: &http.Server{
			Addr:              cfg.Addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: logging.For("api"),
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

func (s *Server) Name() string { return "api" }

func (s *Server) Start(context.Context) error {
	go func() {
		s.log.Info().Str("addr", s.srv.Addr).Msg("listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("server stopped")
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.Warn().Err(err).Msg("shutdown")
	}
}
