package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *Handler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"stats":  h.manager.Stats(),
		"alerts": h.monitor.ActiveAlerts(),
	})
}

type publishRequest struct {
	Channel string          `json:"channel" binding:"required"`
	Name    string          `json:"name" binding:"required"`
	Payload json.RawMessage `json:"payload" binding:"required"`
}

// Publish lets platform services fan a domain event out to a logical
// channel. The payload is opaque to the gateway.
func (h *Handler) Publish(c *gin.Context) {
	var req publishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.manager.Publish(c.Request.Context(), req.Channel, req.Name, req.Payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}
