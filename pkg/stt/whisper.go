package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/voice-pipeline/pkg/audio"
	"github.com/troikatech/voice-pipeline/pkg/circuitbreaker"
	"github.com/troikatech/voice-pipeline/pkg/faults"
	"github.com/troikatech/voice-pipeline/pkg/otel"
)

// WhisperClient handles Speech-to-Text using the OpenAI Whisper API
type WhisperClient struct {
	apiKey   string
	model    string
	language string
	timeout  time.Duration
	logger   *zap.Logger
	baseURL  string
	breaker  *circuitbreaker.CircuitBreaker
}

// NewWhisperClient creates a new Whisper STT client
func NewWhisperClient(apiKey, model, language string, timeout time.Duration, logger *zap.Logger) *WhisperClient {
	if apiKey == "" {
		return &WhisperClient{logger: logger}
	}

	return &WhisperClient{
		apiKey:   apiKey,
		model:    model,
		language: language,
		timeout:  timeout,
		logger:   logger,
		baseURL:  "https://api.openai.com/v1",
		breaker:  circuitbreaker.New(circuitbreaker.DefaultConfig()),
	}
}

// IsAvailable checks if the client is configured
func (w *WhisperClient) IsAvailable() bool {
	return w.apiKey != ""
}

// Transcribe converts raw PCM16 mono audio to text. The PCM is wrapped in a
// WAV container because the API rejects bare sample streams.
func (w *WhisperClient) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (*Result, error) {
	if !w.IsAvailable() {
		return nil, faults.Rejection("stt", fmt.Errorf("Whisper STT not available. Set OPENAI_API_KEY environment variable"))
	}

	if len(pcm) == 0 {
		return nil, faults.Rejection("stt", fmt.Errorf("audio data cannot be empty"))
	}

	ctx, span := otel.StartSpan(ctx, "stt.transcribe")
	defer span.End()

	model := w.model
	if model == "" {
		model = "whisper-1"
	}

	wavData := audio.WrapPCMInWAV(pcm, sampleRate)

	var requestBody bytes.Buffer
	writer := multipart.NewWriter(&requestBody)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(wavData); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	if err := writer.WriteField("model", model); err != nil {
		return nil, fmt.Errorf("failed to write model field: %w", err)
	}
	if w.language != "" {
		if err := writer.WriteField("language", w.language); err != nil {
			return nil, fmt.Errorf("failed to write language field: %w", err)
		}
	}
	if err := writer.WriteField("response_format", "json"); err != nil {
		return nil, fmt.Errorf("failed to write response_format field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", w.baseURL+"/audio/transcriptions", &requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", writer.FormDataContentType())
	httpReq.Header.Set("Authorization", "Bearer "+w.apiKey)

	client := &http.Client{Timeout: w.timeout}
	var resp *http.Response
	err = w.breaker.Execute(ctx, func() error {
		r, doErr := client.Do(httpReq)
		if doErr != nil {
			return faults.Transient("stt", doErr)
		}
		if r.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(r.Body)
			r.Body.Close()
			apiErr := fmt.Errorf("Whisper API error: %d - %s", r.StatusCode, string(body))
			if r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= 500 {
				return faults.Transient("stt", apiErr)
			}
			return faults.Rejection("stt", apiErr)
		}
		resp = r
		return nil
	})
	if err != nil {
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return nil, faults.ResourceExhaustion("stt", err)
		}
		return nil, err
	}
	defer resp.Body.Close()

	var whisperResp struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&whisperResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	text := strings.TrimSpace(whisperResp.Text)

	// Whisper does not report per-utterance confidence; an empty transcript is
	// the only no-speech signal it gives.
	confidence := 1.0
	if text == "" {
		confidence = 0
	}

	return &Result{
		Text:       text,
		Confidence: confidence,
		Language:   w.language,
	}, nil
}
