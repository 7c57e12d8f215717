// Package vad implements energy-based voice activity detection over the
// inbound frame stream. The detector observes frames without buffering them
// and reports speech boundary events used to segment utterances.
package vad

import (
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/voice-pipeline/internal/pipeline"
	"github.com/troikatech/voice-pipeline/pkg/audio"
	"github.com/troikatech/voice-pipeline/pkg/metrics"
)

// Event is a speech boundary decision for one observed frame
type Event int

const (
	// None means no boundary crossed on this frame
	None Event = iota
	// SpeechStart marks the first frame of a speech burst
	SpeechStart
	// SpeechEnd marks the close of an utterance after the debounce window
	SpeechEnd
)

func (e Event) String() string {
	switch e {
	case SpeechStart:
		return "speech_start"
	case SpeechEnd:
		return "speech_end"
	default:
		return "none"
	}
}

// Config tunes the detector thresholds
type Config struct {
	// Threshold is the RMS energy above which a frame counts as speech
	Threshold float64
	// Debounce is how long energy must stay below Threshold before the
	// utterance is considered finished
	Debounce time.Duration
	// MaxUtterance force-ends an utterance that never goes quiet
	MaxUtterance time.Duration
}

// Detector tracks speech state across frames. Not safe for concurrent use;
// each call owns one detector fed from its media loop.
type Detector struct {
	cfg    Config
	logger *zap.Logger

	inSpeech    bool
	speechStart time.Time
	lastVoiced  time.Time
}

func NewDetector(cfg Config, logger *zap.Logger) *Detector {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 500
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 300 * time.Millisecond
	}
	if cfg.MaxUtterance <= 0 {
		cfg.MaxUtterance = 30 * time.Second
	}
	return &Detector{cfg: cfg, logger: logger}
}

// Observe classifies one frame and returns the boundary event it triggers.
// Timing decisions use frame timestamps, not wall clock, so the detector
// behaves identically on live and replayed audio.
func (d *Detector) Observe(f pipeline.Frame) Event {
	voiced := audio.RMS(f.PCM) >= d.cfg.Threshold

	if !d.inSpeech {
		if !voiced {
			return None
		}
		d.inSpeech = true
		d.speechStart = f.Timestamp
		d.lastVoiced = f.Timestamp
		return SpeechStart
	}

	if voiced {
		d.lastVoiced = f.Timestamp
	}

	if f.Timestamp.Sub(d.speechStart) >= d.cfg.MaxUtterance {
		d.logger.Warn("Utterance exceeded max duration, forcing end",
			zap.Duration("max", d.cfg.MaxUtterance),
		)
		metrics.RecordForcedSpeechEnd()
		d.inSpeech = false
		return SpeechEnd
	}

	if !voiced && f.Timestamp.Sub(d.lastVoiced) >= d.cfg.Debounce {
		d.inSpeech = false
		return SpeechEnd
	}

	return None
}

// InSpeech reports whether the detector is inside a speech burst
func (d *Detector) InSpeech() bool {
	return d.inSpeech
}

// Reset clears detector state, used when a call's pipeline restarts
func (d *Detector) Reset() {
	d.inSpeech = false
}
