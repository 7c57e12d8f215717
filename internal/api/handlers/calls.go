package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/troikatech/voice-pipeline/internal/calllog"
	"github.com/troikatech/voice-pipeline/pkg/errors"
	"github.com/troikatech/voice-pipeline/pkg/logger"
	"github.com/troikatech/voice-pipeline/pkg/utils"
)

// GetCall returns the log entry for one call
func (h *Handler) GetCall(c *gin.Context) {
	callSid := c.Param("call_sid")
	if callSid == "" {
		errors.BadRequest(c, "call_sid is required")
		return
	}

	entry, err := h.callLogs.GetByCallID(c.Request.Context(), callSid)
	if err == calllog.ErrNotFound {
		errors.NotFound(c, "call not found")
		return
	}
	if err != nil {
		errors.InternalError(c, err, h.logger)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// ListCalls returns recent calls for a phone number
func (h *Handler) ListCalls(c *gin.Context) {
	number := c.Query("number")
	if number == "" {
		errors.BadRequest(c, "number query parameter is required")
		return
	}
	normalized := utils.NormalizePhone(number)

	limit := int64(20)
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}

	entries, err := h.callLogs.QueryByNumber(c.Request.Context(), normalized, limit)
	if err != nil {
		errors.InternalError(c, err, h.logger)
		return
	}

	h.logger.Debug("Listed calls",
		logger.MaskPhoneIfPresent("number", normalized),
		zap.Int("count", len(entries)),
	)
	c.JSON(http.StatusOK, gin.H{
		"calls": entries,
		"count": len(entries),
	})
}

// ListSessions returns the live call sessions
func (h *Handler) ListSessions(c *gin.Context) {
	sessions, err := h.sessions.ListActive(c.Request.Context())
	if err != nil {
		errors.InternalError(c, err, h.logger)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}
