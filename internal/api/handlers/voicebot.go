package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/troikatech/voice-pipeline/pkg/auth"
	"github.com/troikatech/voice-pipeline/pkg/errors"
	"github.com/troikatech/voice-pipeline/pkg/logger"
	"github.com/troikatech/voice-pipeline/pkg/utils"
	"github.com/troikatech/voice-pipeline/pkg/webhook"
)

// VoicebotRequest is the payload the signaling layer sends when a call starts
type VoicebotRequest struct {
	CallSid string `json:"CallSid" form:"CallSid"`
	From    string `json:"From" form:"From"`
	To      string `json:"To" form:"To"`
}

// VoicebotResponse hands the media websocket URL back to the signaling layer
type VoicebotResponse struct {
	WebSocketURL string `json:"websocket_url"`
}

// VoicebotEndpoint answers the call-start webhook with a tokenized media
// stream URL. Supports both GET (query params) and POST (form/json).
func (h *Handler) VoicebotEndpoint(c *gin.Context) {
	if h.cfg.SignalingSecret != "" {
		if err := c.Request.ParseForm(); err != nil {
			errors.BadRequest(c, "malformed form payload")
			return
		}
		signature := c.GetHeader("X-Signaling-Signature")
		if err := webhook.VerifySignature(h.cfg.SignalingSecret, c.Request.Form, signature); err != nil {
			h.logger.Warn("Rejected signaling webhook",
				zap.String("remote_addr", c.Request.RemoteAddr),
				zap.Error(err),
			)
			errors.Unauthorized(c, "invalid webhook signature")
			return
		}
	}

	var req VoicebotRequest
	if err := c.ShouldBind(&req); err != nil {
		req.CallSid = c.Query("CallSid")
		req.From = c.Query("From")
		req.To = c.Query("To")
	}
	if req.CallSid == "" {
		req.CallSid = c.Query("call_sid")
	}
	if req.From == "" {
		req.From = c.Query("CallFrom")
	}

	if req.CallSid == "" {
		h.logger.Warn("VoicebotEndpoint called without CallSid",
			zap.String("method", c.Request.Method),
			zap.String("url", c.Request.URL.String()),
		)
		errors.BadRequest(c, "CallSid is required")
		return
	}

	// The caller number rides into the stream token and the call log, so a
	// malformed one is rejected here rather than downstream.
	if req.From != "" {
		req.From = utils.NormalizePhone(req.From)
		if !utils.ValidateE164(req.From) {
			errors.BadRequest(c, "From must be an E.164 phone number")
			return
		}
	}

	h.logger.Info("VoicebotEndpoint called",
		zap.String("call_sid", req.CallSid),
		logger.MaskPhoneIfPresent("from", req.From),
		zap.String("method", c.Request.Method),
	)

	baseURL := h.cfg.StreamBaseURL
	if baseURL == "" {
		// Fallback: construct from request headers (works behind reverse proxy)
		scheme := "https"
		if proto := c.GetHeader("X-Forwarded-Proto"); proto == "http" {
			scheme = "http"
		} else if c.Request.TLS == nil {
			scheme = "http"
		}
		host := c.GetHeader("X-Forwarded-Host")
		if host == "" {
			host = c.Request.Host
		}
		baseURL = fmt.Sprintf("%s://%s", scheme, host)
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	// Production must use wss://, development can use ws://
	wsBaseURL := baseURL
	if strings.HasPrefix(wsBaseURL, "https") {
		wsBaseURL = "wss" + wsBaseURL[5:]
	} else if strings.HasPrefix(wsBaseURL, "http") {
		wsBaseURL = "ws" + wsBaseURL[4:]
	}

	wsURL := fmt.Sprintf("%s/voicebot/ws?call_sid=%s&from=%s", wsBaseURL, req.CallSid, req.From)
	if h.cfg.StreamTokenSecret != "" {
		token, err := auth.GenerateStreamToken(
			req.CallSid,
			req.From,
			h.cfg.StreamTokenSecret,
			time.Duration(h.cfg.StreamTokenTTLSec)*time.Second,
		)
		if err != nil {
			errors.InternalError(c, err, h.logger)
			return
		}
		wsURL = fmt.Sprintf("%s/voicebot/ws?token=%s", wsBaseURL, token)
	}

	c.JSON(http.StatusOK, VoicebotResponse{WebSocketURL: wsURL})
}
