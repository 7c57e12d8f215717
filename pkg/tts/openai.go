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

	"github.com/troikatech/voice-pipeline/pkg/audio"
	"github.com/troikatech/voice-pipeline/pkg/circuitbreaker"
	"github.com/troikatech/voice-pipeline/pkg/faults"
	"github.com/troikatech/voice-pipeline/pkg/otel"
)

// OpenAIClient is the fallback Text-to-Speech client using the OpenAI TTS
// API. The API does not stream incrementally, so the whole clip is fetched
// and emitted as one chunk; the primary path is ElevenLabs.
type OpenAIClient struct {
	apiKey     string
	voice      string
	sampleRate int
	timeout    time.Duration
	logger     *zap.Logger
	baseURL    string
	breaker    *circuitbreaker.CircuitBreaker
}

// NewOpenAIClient creates a new OpenAI TTS client
func NewOpenAIClient(apiKey, voice string, sampleRate int, timeout time.Duration, logger *zap.Logger) *OpenAIClient {
	if apiKey == "" {
		return &OpenAIClient{logger: logger}
	}

	return &OpenAIClient{
		apiKey:     apiKey,
		voice:      voice,
		sampleRate: sampleRate,
		timeout:    timeout,
		logger:     logger,
		baseURL:    "https://api.openai.com/v1",
		breaker:    circuitbreaker.New(circuitbreaker.DefaultConfig()),
	}
}

// IsAvailable checks if the client is configured
func (s *OpenAIClient) IsAvailable() bool {
	return s.apiKey != ""
}

// Synthesize fetches the full clip and emits it as a single PCM chunk,
// resampled from the API's fixed 24kHz output to the pipeline rate.
func (s *OpenAIClient) Synthesize(ctx context.Context, text, voiceID string) (<-chan []byte, error) {
	if !s.IsAvailable() {
		return nil, faults.Rejection("tts", fmt.Errorf("OpenAI TTS not available. Set OPENAI_API_KEY environment variable"))
	}

	if text == "" {
		return nil, faults.Rejection("tts", fmt.Errorf("text cannot be empty"))
	}

	ctx, span := otel.StartSpan(ctx, "tts.synthesize")
	defer span.End()

	voice := voiceID
	if voice == "" {
		voice = s.voice
	}
	if voice == "" {
		voice = "shimmer"
	}

	requestBody := map[string]interface{}{
		"model":           "tts-1",
		"input":           text,
		"voice":           voice,
		"response_format": "pcm", // raw PCM16, 24kHz mono
		"speed":           1.0,
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", s.baseURL+"/audio/speech", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+s.apiKey)

	client := &http.Client{Timeout: s.timeout}
	var resp *http.Response
	err = s.breaker.Execute(ctx, func() error {
		r, doErr := client.Do(httpReq)
		if doErr != nil {
			return faults.Transient("tts", doErr)
		}
		if r.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(r.Body)
			r.Body.Close()
			apiErr := fmt.Errorf("OpenAI TTS API error: %d - %s", r.StatusCode, string(body))
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
	defer resp.Body.Close()

	pcm24k, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, faults.Transient("tts", err)
	}

	pcm := audio.ResampleLinear(pcm24k, 24000, s.sampleRate)

	out := make(chan []byte, 1)
	out <- pcm
	close(out)
	return out, nil
}
