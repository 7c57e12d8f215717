package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/troikatech/voice-pipeline/internal/pipeline"
	"github.com/troikatech/voice-pipeline/pkg/audio"
	"github.com/troikatech/voice-pipeline/pkg/auth"
	"github.com/troikatech/voice-pipeline/pkg/env"
	"github.com/troikatech/voice-pipeline/pkg/errors"
	"github.com/troikatech/voice-pipeline/pkg/logger"
)

// streamEvent is the envelope of every media websocket message
type streamEvent struct {
	Event     string `json:"event"`
	StreamSid string `json:"stream_sid,omitempty"`
}

type startEvent struct {
	Event       string `json:"event"`
	StreamSid   string `json:"stream_sid"`
	MediaFormat struct {
		Encoding   string `json:"encoding"`
		SampleRate int    `json:"sample_rate"`
	} `json:"media_format"`
}

// isMuLawEncoding matches the encoding names telephony providers use for
// G.711 μ-law streams.
func isMuLawEncoding(encoding string) bool {
	switch encoding {
	case "mulaw", "ulaw", "audio/x-mulaw":
		return true
	}
	return false
}

type mediaEvent struct {
	Event     string `json:"event"`
	StreamSid string `json:"stream_sid"`
	Media     struct {
		Payload string `json:"payload"` // base64-encoded PCM16
	} `json:"media"`
}

type dtmfEvent struct {
	Event string `json:"event"`
	DTMF  struct {
		Digit string `json:"digit"`
	} `json:"dtmf"`
}

// streamConn wraps one media websocket and implements the transport commands
// the bridge issues. Writes are serialized; gorilla connections allow one
// concurrent writer.
type streamConn struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	streamSid string
	muLaw     bool
}

func (s *streamConn) writeJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *streamConn) setFormat(sid string, muLaw bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streamSid = sid
	s.muLaw = muLaw
}

func (s *streamConn) sid() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamSid
}

func (s *streamConn) isMuLaw() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.muLaw
}

// PlayAudio sends one agent frame as a media event. μ-law streams get the
// 16kHz pipeline audio downsampled and companded back to 8kHz G.711.
func (s *streamConn) PlayAudio(ctx context.Context, frame pipeline.Frame) error {
	payload := frame.PCM
	if s.isMuLaw() {
		payload = audio.EncodePCM16ToMuLaw(audio.Resample16kTo8k(payload))
	}
	return s.writeJSON(map[string]interface{}{
		"event":      "media",
		"stream_sid": s.sid(),
		"media": map[string]interface{}{
			"payload": audio.EncodePCMChunkToBase64(payload),
		},
	})
}

// Hangup tells the provider to end the call, then closes the socket so the
// read loop unwinds even if the provider never acks.
func (s *streamConn) Hangup(ctx context.Context) error {
	err := s.writeJSON(map[string]interface{}{
		"event":      "hangup",
		"stream_sid": s.sid(),
	})

	s.mu.Lock()
	deadline := time.Now().Add(time.Second)
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "hangup"), deadline)
	s.mu.Unlock()
	return err
}

// createWebSocketUpgrader creates an upgrader with origin validation
func createWebSocketUpgrader(cfg *env.Config) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			// Telephony providers connect server-to-server without an
			// Origin header; browsers are not expected here.
			origin := r.Header.Get("Origin")
			if cfg.AppEnv == "development" || origin == "" {
				return true
			}
			if cfg.StreamBaseURL != "" && origin == cfg.StreamBaseURL {
				return true
			}
			logger.Log.Warn("WebSocket connection rejected - invalid origin",
				zap.String("origin", origin),
				zap.String("remote_addr", r.RemoteAddr),
			)
			return false
		},
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		EnableCompression: true,
	}
}

// VoicebotWebSocket is the media stream endpoint the telephony provider
// connects to. Authentication is the single-call token minted by the
// bootstrap endpoint.
func (h *Handler) VoicebotWebSocket(c *gin.Context) {
	var callSid, from string

	if h.cfg.StreamTokenSecret != "" {
		claims, err := auth.ParseStreamToken(c.Query("token"), h.cfg.StreamTokenSecret)
		if err != nil {
			h.logger.Warn("Rejected media stream token",
				zap.String("remote_addr", c.Request.RemoteAddr),
				zap.Error(err),
			)
			errors.Unauthorized(c, "invalid stream token")
			return
		}
		callSid = claims.CallID
		from = claims.CallerNumber
	} else {
		callSid = c.Query("call_sid")
		from = c.Query("from")
	}

	if callSid == "" {
		errors.BadRequest(c, "call_sid is required")
		return
	}

	upgrader := createWebSocketUpgrader(h.cfg)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade to WebSocket",
			zap.Error(err),
			zap.String("call_sid", callSid),
			zap.String("remote_addr", c.Request.RemoteAddr),
		)
		return
	}
	defer conn.Close()

	h.logger.Info("Media stream connected",
		zap.String("call_sid", callSid),
		logger.MaskPhoneIfPresent("from", from),
	)

	h.handleStreamConnection(conn, callSid, from)
}

// handleStreamConnection manages the websocket lifecycle: a reader goroutine
// handles events while the main loop keeps the connection alive with pings.
func (h *Handler) handleStreamConnection(conn *websocket.Conn, callSid, from string) {
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	pingTicker := time.NewTicker(54 * time.Second)
	defer pingTicker.Stop()

	sc := &streamConn{conn: conn}
	done := make(chan struct{})

	go func() {
		defer close(done)
		var seq uint64
		started := false

		for {
			messageType, message, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					h.logger.Error("WebSocket read error", zap.Error(err))
				}
				return
			}
			if messageType != websocket.TextMessage {
				continue
			}

			var event streamEvent
			if err := json.Unmarshal(message, &event); err != nil {
				h.logger.Warn("Failed to parse stream event", zap.Error(err))
				continue
			}

			switch event.Event {
			case "start":
				if started {
					continue
				}
				var start startEvent
				if err := json.Unmarshal(message, &start); err != nil {
					h.logger.Warn("Failed to parse start event", zap.Error(err))
					continue
				}
				muLaw := isMuLawEncoding(start.MediaFormat.Encoding)
				sc.setFormat(start.StreamSid, muLaw)
				if muLaw {
					h.logger.Info("Stream uses G.711 mu-law, transcoding at the edge",
						zap.String("call_sid", callSid),
					)
				} else if start.MediaFormat.SampleRate != 0 && start.MediaFormat.SampleRate != h.cfg.SampleRate {
					h.logger.Warn("Stream sample rate differs from configuration",
						zap.Int("stream", start.MediaFormat.SampleRate),
						zap.Int("configured", h.cfg.SampleRate),
					)
				}
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				err := h.bridge.OnCallStart(ctx, callSid, from, sc)
				cancel()
				if err != nil {
					h.logger.Error("Failed to start call pipeline",
						zap.String("call_sid", callSid),
						zap.Error(err),
					)
					return
				}
				started = true

			case "media":
				if !started {
					continue
				}
				var media mediaEvent
				if err := json.Unmarshal(message, &media); err != nil {
					h.logger.Warn("Failed to parse media event", zap.Error(err))
					continue
				}
				pcm, err := audio.DecodeBase64PCM(media.Media.Payload)
				if err != nil {
					h.logger.Warn("Failed to decode media payload", zap.Error(err))
					continue
				}
				if sc.isMuLaw() {
					pcm = audio.Resample8kTo16k(audio.DecodeMuLawToPCM16(pcm))
				}
				seq++
				if err := h.bridge.OnMediaFrame(callSid, pipeline.Frame{
					Seq:       seq,
					PCM:       pcm,
					Timestamp: time.Now(),
				}); err != nil {
					h.logger.Warn("Failed to ingest media frame",
						zap.String("call_sid", callSid),
						zap.Error(err),
					)
				}

			case "dtmf":
				var dtmf dtmfEvent
				if err := json.Unmarshal(message, &dtmf); err != nil {
					h.logger.Warn("Failed to parse dtmf event", zap.Error(err))
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if err := h.bridge.OnDigit(ctx, callSid, dtmf.DTMF.Digit); err != nil {
					h.logger.Warn("Failed to handle digit",
						zap.String("call_sid", callSid),
						zap.Error(err),
					)
				}
				cancel()

			case "clear":
				if err := h.bridge.OnClear(callSid); err != nil {
					h.logger.Debug("Clear for inactive call", zap.String("call_sid", callSid))
				}

			case "stop":
				return

			default:
				h.logger.Debug("Unknown stream event", zap.String("event", event.Event))
			}
		}
	}()

	for {
		select {
		case <-done:
			// Finalize before acking the close; the bridge no-ops if the
			// call never started or already ended.
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := h.bridge.OnCallEnd(ctx, callSid); err != nil {
				h.logger.Error("Failed to finalize call",
					zap.String("call_sid", callSid),
					zap.Error(err),
				)
			}
			cancel()
			h.logger.Info("Media stream closed", zap.String("call_sid", callSid))
			return

		case <-pingTicker.C:
			sc.mu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			sc.mu.Unlock()
			if err != nil {
				h.logger.Error("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}
