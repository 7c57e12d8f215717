// Package transcribe buffers speech audio between voice activity boundaries
// and turns it into text utterances via a speech-to-text backend.
package transcribe

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/voice-pipeline/internal/pipeline"
	"github.com/troikatech/voice-pipeline/pkg/faults"
	"github.com/troikatech/voice-pipeline/pkg/metrics"
	"github.com/troikatech/voice-pipeline/pkg/retry"
	"github.com/troikatech/voice-pipeline/pkg/stt"
)

// ErrNoSpeech is returned by Finalize when the buffered audio produced no
// usable text. Callers treat it as "nothing was said", not a failure.
var ErrNoSpeech = fmt.Errorf("no speech recognized")

// Utterance is one finalized span of caller speech
type Utterance struct {
	Start      time.Time
	End        time.Time
	Text       string
	Confidence float64
}

// Config tunes the transcription stage
type Config struct {
	SampleRate    int
	MinConfidence float64
	// MaxBufferBytes caps the audio buffered for one utterance
	MaxBufferBytes int
}

// Stage accumulates frames for the current utterance and submits them for
// transcription on finalize. One stage per call, driven by the media loop.
type Stage struct {
	cfg         Config
	transcriber stt.Transcriber
	logger      *zap.Logger

	buf   []byte
	open  bool
	start time.Time
}

func NewStage(cfg Config, transcriber stt.Transcriber, logger *zap.Logger) *Stage {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.4
	}
	if cfg.MaxBufferBytes <= 0 {
		// 60s of PCM16 mono at the configured rate
		cfg.MaxBufferBytes = cfg.SampleRate * 2 * 60
	}
	return &Stage{cfg: cfg, transcriber: transcriber, logger: logger}
}

// Open starts buffering a new utterance at the given speech start time
func (s *Stage) Open(start time.Time) {
	s.open = true
	s.start = start
	s.buf = s.buf[:0]
}

// Append adds a speech frame to the current utterance buffer
func (s *Stage) Append(f pipeline.Frame) error {
	if !s.open {
		return faults.StateViolation("transcribe", fmt.Errorf("append without open utterance"))
	}
	if len(s.buf)+len(f.PCM) > s.cfg.MaxBufferBytes {
		return faults.ResourceExhaustion("transcribe", fmt.Errorf("utterance buffer full at %d bytes", len(s.buf)))
	}
	s.buf = append(s.buf, f.PCM...)
	return nil
}

// Open reports whether an utterance is currently being buffered
func (s *Stage) IsOpen() bool {
	return s.open
}

// Finalize closes the current utterance and transcribes it. Transient
// backend failures are retried once; a persistent failure is returned as-is
// so the caller can decide whether the call survives.
func (s *Stage) Finalize(ctx context.Context, end time.Time) (*Utterance, error) {
	if !s.open {
		return nil, faults.StateViolation("transcribe", fmt.Errorf("finalize without open utterance"))
	}
	s.open = false

	audio := make([]byte, len(s.buf))
	copy(audio, s.buf)
	s.buf = s.buf[:0]

	if len(audio) == 0 {
		return nil, ErrNoSpeech
	}

	var result *stt.Result
	started := time.Now()
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  2,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     time.Second,
	}, func() error {
		r, err := s.transcriber.Transcribe(ctx, audio, s.cfg.SampleRate)
		if err != nil {
			if faults.IsRetryable(err) {
				return err
			}
			return retry.Unrecoverable(err)
		}
		result = r
		return nil
	})
	metrics.RecordServiceCall("stt", err == nil, time.Since(started))
	if err != nil {
		return nil, err
	}

	if result.Text == "" {
		return nil, ErrNoSpeech
	}

	utt := &Utterance{
		Start:      s.start,
		End:        end,
		Text:       result.Text,
		Confidence: result.Confidence,
	}

	if utt.Confidence < s.cfg.MinConfidence {
		s.logger.Debug("Discarding low-confidence transcript",
			zap.Float64("confidence", utt.Confidence),
			zap.Float64("min", s.cfg.MinConfidence),
		)
		return utt, ErrNoSpeech
	}

	metrics.RecordUtterance()
	return utt, nil
}
