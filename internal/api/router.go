package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/leozw/helpdesk-gateway/internal/api/handlers"
	"github.com/leozw/helpdesk-gateway/internal/api/middleware"
	"github.com/leozw/helpdesk-gateway/internal/config"
	"github.com/leozw/helpdesk-gateway/internal/manager"
	"github.com/leozw/helpdesk-gateway/internal/monitor"
)

type Server struct {
	Config  *config.Config
	Router  *gin.Engine
	handler *handlers.Handler
}

func NewServer(cfg *config.Config, mgr *manager.Manager, mon *monitor.Monitor, repo handlers.Pinger, logger *zap.Logger) *Server {
	gin.SetMode(cfg.Server.Mode)
	router := gin.New()

	// Middleware
	router.Use(middleware.Logger(logger))
	router.Use(gin.Recovery())
	router.Use(middleware.CORS())

	server := &Server{
		Config:  cfg,
		Router:  router,
		handler: handlers.NewHandler(mgr, mon, repo, cfg.Auth.ConnectTimeout, logger),
	}

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	// Probes
	s.Router.GET("/health", s.handler.Health)
	s.Router.GET("/ready", s.handler.Ready)

	// Websocket handshake; the token rides in the query string and is
	// validated by the admission pipeline, not by middleware.
	s.Router.GET("/ws", s.handler.Stream)

	// Metrics
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.Router.GET("/metrics/export", s.handler.MetricsText)

	// API routes (protected)
	api := s.Router.Group("/api/v1")
	api.Use(middleware.AuthRequired(s.Config.Auth.JWTSecret))
	{
		api.GET("/status", s.handler.Status)
		api.POST("/publish", s.handler.Publish)
	}
}
