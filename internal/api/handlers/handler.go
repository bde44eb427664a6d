package handlers

import (
	"time"

	"go.uber.org/zap"

	"github.com/leozw/helpdesk-gateway/internal/manager"
	"github.com/leozw/helpdesk-gateway/internal/monitor"
)

// Pinger is the readiness probe against the identity store.
type Pinger interface {
	Ping() error
}

type Handler struct {
	manager        *manager.Manager
	monitor        *monitor.Monitor
	repo           Pinger
	logger         *zap.Logger
	connectTimeout time.Duration
}

func NewHandler(mgr *manager.Manager, mon *monitor.Monitor, repo Pinger, connectTimeout time.Duration, logger *zap.Logger) *Handler {
	return &Handler{
		manager:        mgr,
		monitor:        mon,
		repo:           repo,
		logger:         logger,
		connectTimeout: connectTimeout,
	}
}
