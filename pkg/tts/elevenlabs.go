package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/voice-pipeline/pkg/circuitbreaker"
	"github.com/troikatech/voice-pipeline/pkg/faults"
	"github.com/troikatech/voice-pipeline/pkg/otel"
)

// ElevenLabsClient handles streaming Text-to-Speech using ElevenLabs
type ElevenLabsClient struct {
	apiKey         string
	defaultVoiceID string
	modelID        string
	sampleRate     int
	timeout        time.Duration
	logger         *zap.Logger
	baseURL        string
	breaker        *circuitbreaker.CircuitBreaker
}

// NewElevenLabsClient creates a new ElevenLabs TTS client
func NewElevenLabsClient(apiKey, voiceID, modelID string, sampleRate int, timeout time.Duration, logger *zap.Logger) *ElevenLabsClient {
	if apiKey == "" {
		return &ElevenLabsClient{logger: logger}
	}

	return &ElevenLabsClient{
		apiKey:         apiKey,
		defaultVoiceID: voiceID,
		modelID:        modelID,
		sampleRate:     sampleRate,
		timeout:        timeout,
		logger:         logger,
		baseURL:        "https://api.elevenlabs.io/v1",
		breaker:        circuitbreaker.New(circuitbreaker.DefaultConfig()),
	}
}

// IsAvailable checks if the client is configured
func (s *ElevenLabsClient) IsAvailable() bool {
	return s.apiKey != ""
}

// Synthesize streams raw PCM16 audio for text. Audio chunks are emitted on
// the returned channel as they arrive from the API, so playback can begin
// before synthesis of the full text completes.
func (s *ElevenLabsClient) Synthesize(ctx context.Context, text, voiceID string) (<-chan []byte, error) {
	if !s.IsAvailable() {
		return nil, faults.Rejection("tts", fmt.Errorf("ElevenLabs TTS not available. Set ELEVENLABS_API_KEY environment variable"))
	}

	if text == "" {
		return nil, faults.Rejection("tts", fmt.Errorf("text cannot be empty"))
	}

	ctx, span := otel.StartSpan(ctx, "tts.synthesize")
	defer span.End()

	if voiceID == "" {
		voiceID = s.defaultVoiceID
	}
	if voiceID == "" {
		voiceID = "21m00Tcm4TlvDq8ikWAM"
	}

	modelID := s.modelID
	if modelID == "" {
		modelID = "eleven_turbo_v2_5"
	}

	outputFormat := "pcm_16000"
	if s.sampleRate == 8000 {
		outputFormat = "pcm_8000"
	}

	requestBody := map[string]interface{}{
		"text":     text,
		"model_id": modelID,
		"voice_settings": map[string]interface{}{
			"stability":        0.5,
			"similarity_boost": 0.75,
		},
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/text-to-speech/%s/stream?output_format=%s", s.baseURL, voiceID, outputFormat)

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "audio/pcm")
	httpReq.Header.Set("xi-api-key", s.apiKey)

	// No client timeout: streaming responses outlive a fixed deadline and are
	// bounded by ctx instead.
	client := &http.Client{}
	var resp *http.Response
	err = s.breaker.Execute(ctx, func() error {
		r, doErr := client.Do(httpReq)
		if doErr != nil {
			return faults.Transient("tts", doErr)
		}
		if r.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(r.Body)
			r.Body.Close()
			apiErr := fmt.Errorf("ElevenLabs API error: %d - %s", r.StatusCode, string(body))
			if r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= 500 {
				return faults.Transient("tts", apiErr)
			}
			return faults.Rejection("tts", apiErr)
		}
		resp = r
		return nil
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return nil, faults.ResourceExhaustion("tts", err)
		}
		return nil, err
	}

	out := make(chan []byte, 8)
	go func() {
		defer close(out)
		defer resp.Body.Close()

		buf := make([]byte, 4096)
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF && ctx.Err() == nil {
					s.logger.Warn("ElevenLabs stream read error", zap.Error(err))
				}
				return
			}
		}
	}()

	return out, nil
}
