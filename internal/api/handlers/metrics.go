package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/troikatech/voice-pipeline/pkg/metrics"
)

// GetMetrics returns pipeline counters for operators
func (h *Handler) GetMetrics(c *gin.Context) {
	snapshot := metrics.Snapshot()
	snapshot["registered_calls"] = h.bridge.ActiveCalls()
	c.JSON(http.StatusOK, snapshot)
}
