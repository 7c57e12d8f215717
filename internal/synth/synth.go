// Package synth turns reply text into outbound audio frames. One job runs at
// a time per call; starting a new one or cancelling tears the old one down
// so barge-in stops audio within a frame interval.
package synth

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/voice-pipeline/internal/pipeline"
	"github.com/troikatech/voice-pipeline/pkg/faults"
	"github.com/troikatech/voice-pipeline/pkg/metrics"
	"github.com/troikatech/voice-pipeline/pkg/retry"
	"github.com/troikatech/voice-pipeline/pkg/tts"
)

// Config tunes the synthesis stage
type Config struct {
	VoiceID string
	// FrameBytes is the outbound frame payload size
	FrameBytes int
}

// Stage streams synthesized speech onto the outbound side of the frame bus
type Stage struct {
	cfg    Config
	synth  tts.Synthesizer
	bus    *pipeline.FrameBus
	logger *zap.Logger

	// runMu serializes jobs; mu guards the cancel handle
	runMu  sync.Mutex
	mu     sync.Mutex
	cancel context.CancelFunc

	seq uint64
}

func NewStage(cfg Config, synth tts.Synthesizer, bus *pipeline.FrameBus, logger *zap.Logger) *Stage {
	if cfg.FrameBytes <= 0 {
		cfg.FrameBytes = 640
	}
	return &Stage{cfg: cfg, synth: synth, bus: bus, logger: logger}
}

// Speak synthesizes text and plays it to the caller. A job already in flight
// is cancelled first; Speak then blocks until its own audio has been handed
// to playout or ctx is cancelled.
func (s *Stage) Speak(ctx context.Context, text string) error {
	s.Cancel()

	s.runMu.Lock()
	defer s.runMu.Unlock()

	jobCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}()

	started := time.Now()
	var chunks <-chan []byte
	err := retry.Do(jobCtx, retry.Config{
		MaxAttempts:  2,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
	}, func() error {
		ch, err := s.synth.Synthesize(jobCtx, text, s.cfg.VoiceID)
		if err != nil {
			if faults.IsRetryable(err) {
				return err
			}
			return retry.Unrecoverable(err)
		}
		chunks = ch
		return nil
	})
	metrics.RecordServiceCall("tts", err == nil, time.Since(started))
	if err != nil {
		if jobCtx.Err() != nil {
			return jobCtx.Err()
		}
		return err
	}

	var leftover []byte
	for chunk := range chunks {
		leftover = append(leftover, chunk...)
		for len(leftover) >= s.cfg.FrameBytes {
			if err := s.publish(jobCtx, leftover[:s.cfg.FrameBytes]); err != nil {
				return err
			}
			leftover = leftover[s.cfg.FrameBytes:]
		}
	}
	if jobCtx.Err() != nil {
		return jobCtx.Err()
	}

	// Pad the tail so playout always sees full frames.
	if len(leftover) > 0 {
		padded := make([]byte, s.cfg.FrameBytes)
		copy(padded, leftover)
		if err := s.publish(jobCtx, padded); err != nil {
			return err
		}
	}
	return nil
}

// Cancel stops the in-flight job, if any
func (s *Stage) Cancel() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (s *Stage) publish(ctx context.Context, payload []byte) error {
	pcm := make([]byte, len(payload))
	copy(pcm, payload)
	s.seq++
	return s.bus.PublishOutbound(ctx, pipeline.Frame{
		Seq:       s.seq,
		PCM:       pcm,
		Timestamp: time.Now(),
	})
}
