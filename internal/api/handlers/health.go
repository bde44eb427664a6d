package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/leozw/helpdesk-gateway/internal/monitor"
)

func (h *Handler) Health(c *gin.Context) {
	snapshot := h.monitor.Export()

	status := http.StatusOK
	if snapshot.Status == monitor.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, snapshot)
}

func (h *Handler) Ready(c *gin.Context) {
	// Check database connection
	if err := h.repo.Ping(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"error":  "database connection failed",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
	})
}

// MetricsText serves the plaintext key-value scrape export.
func (h *Handler) MetricsText(c *gin.Context) {
	c.String(http.StatusOK, h.monitor.ExportText())
}
