package stt

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

// DeepgramClient handles Speech-to-Text using the Deepgram prerecorded API
type DeepgramClient struct {
	apiKey   string
	model    string
	language string
	timeout  time.Duration
	logger   *zap.Logger
	baseURL  string
	breaker  *circuitbreaker.CircuitBreaker
}

// NewDeepgramClient creates a new Deepgram STT client
func NewDeepgramClient(apiKey, model, language string, timeout time.Duration, logger *zap.Logger) *DeepgramClient {
	if apiKey == "" {
		return &DeepgramClient{logger: logger}
	}

	return &DeepgramClient{
		apiKey:   apiKey,
		model:    model,
		language: language,
		timeout:  timeout,
		logger:   logger,
		baseURL:  "https://api.deepgram.com/v1",
		breaker:  circuitbreaker.New(circuitbreaker.DefaultConfig()),
	}
}

// IsAvailable checks if the client is configured
func (d *DeepgramClient) IsAvailable() bool {
	return d.apiKey != ""
}

// Transcribe converts raw PCM16 mono audio to text
func (d *DeepgramClient) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (*Result, error) {
	if !d.IsAvailable() {
		return nil, faults.Rejection("stt", fmt.Errorf("Deepgram STT not available. Set DEEPGRAM_API_KEY environment variable"))
	}

	if len(pcm) == 0 {
		return nil, faults.Rejection("stt", fmt.Errorf("audio data cannot be empty"))
	}

	ctx, span := otel.StartSpan(ctx, "stt.transcribe")
	defer span.End()

	if sampleRate == 0 {
		sampleRate = 16000
	}

	model := d.model
	if model == "" {
		model = "nova-2"
	}

	url := fmt.Sprintf("%s/listen?model=%s&punctuate=true&encoding=linear16&sample_rate=%d",
		d.baseURL, model, sampleRate)
	if d.language != "" {
		url += "&language=" + d.language
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(pcm))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "audio/pcm")
	httpReq.Header.Set("Authorization", "Token "+d.apiKey)

	client := &http.Client{Timeout: d.timeout}
	var resp *http.Response
	err = d.breaker.Execute(ctx, func() error {
		r, doErr := client.Do(httpReq)
		if doErr != nil {
			return faults.Transient("stt", doErr)
		}
		if r.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(r.Body)
			r.Body.Close()
			apiErr := fmt.Errorf("Deepgram API error: %d - %s", r.StatusCode, string(body))
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

	var deepgramResp struct {
		Results struct {
			Channels []struct {
				Alternatives []struct {
					Transcript string  `json:"transcript"`
					Confidence float64 `json:"confidence"`
				} `json:"alternatives"`
			} `json:"channels"`
		} `json:"results"`
		Metadata struct {
			Language string `json:"language"`
		} `json:"metadata"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&deepgramResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	text := ""
	confidence := 0.0
	if len(deepgramResp.Results.Channels) > 0 && len(deepgramResp.Results.Channels[0].Alternatives) > 0 {
		alt := deepgramResp.Results.Channels[0].Alternatives[0]
		text = alt.Transcript
		confidence = alt.Confidence
	}

	language := deepgramResp.Metadata.Language
	if language == "" {
		language = d.language
	}

	return &Result{
		Text:       text,
		Confidence: confidence,
		Language:   language,
	}, nil
}
