// Package bridge ties the telephony transport to the per-call voice
// pipeline. It owns call registration, the goroutines moving audio through
// the stages, and ordered teardown when a call ends.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/voice-pipeline/internal/calllog"
	"github.com/troikatech/voice-pipeline/internal/engine"
	"github.com/troikatech/voice-pipeline/internal/ivr"
	"github.com/troikatech/voice-pipeline/internal/pipeline"
	"github.com/troikatech/voice-pipeline/internal/session"
	"github.com/troikatech/voice-pipeline/internal/synth"
	"github.com/troikatech/voice-pipeline/internal/transcribe"
	"github.com/troikatech/voice-pipeline/internal/vad"
	"github.com/troikatech/voice-pipeline/pkg/faults"
	"github.com/troikatech/voice-pipeline/pkg/llm"
	"github.com/troikatech/voice-pipeline/pkg/metrics"
	"github.com/troikatech/voice-pipeline/pkg/stt"
	"github.com/troikatech/voice-pipeline/pkg/tts"
	"github.com/troikatech/voice-pipeline/pkg/utils"
)

// Commands is what the bridge can ask the telephony transport to do
type Commands interface {
	// PlayAudio sends one agent audio frame to the caller
	PlayAudio(ctx context.Context, frame pipeline.Frame) error
	// Hangup ends the call on the provider side
	Hangup(ctx context.Context) error
}

// Config tunes the per-call pipeline
type Config struct {
	SampleRate      int
	FrameInterval   time.Duration
	FrameQueueDepth int
	FrameBytes      int

	VAD        vad.Config
	Transcribe transcribe.Config
	Engine     engine.Config
	VoiceID    string
}

// Deps are the collaborators shared by all calls
type Deps struct {
	LLM      llm.Client
	STT      stt.Transcriber
	TTS      tts.Synthesizer
	Sessions session.Store
	CallLogs calllog.Store
	IVR      *ivr.StateMachine
	Logger   *zap.Logger
}

type call struct {
	id     string
	caller string

	bus      *pipeline.FrameBus
	eng      *engine.Engine
	speaker  *synth.Stage
	detector *vad.Detector
	stage    *transcribe.Stage
	commands Commands

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	utterances chan *transcribe.Utterance

	handedOff atomic.Bool
	failed    atomic.Bool
	started   time.Time

	mu         sync.Mutex
	transcript []calllog.TranscriptLine
}

func (c *call) recordLine(role, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transcript = append(c.transcript, calllog.TranscriptLine{
		Role: role,
		Text: text,
		At:   time.Now(),
	})
}

func (c *call) transcriptCopy() []calllog.TranscriptLine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]calllog.TranscriptLine(nil), c.transcript...)
}

// Bridge manages the set of active calls. All methods are safe for
// concurrent use; per-call methods are called from that call's transport
// handler.
type Bridge struct {
	cfg  Config
	deps Deps

	mu    sync.Mutex
	calls map[string]*call
}

func New(cfg Config, deps Deps) *Bridge {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = 20 * time.Millisecond
	}
	if cfg.FrameQueueDepth <= 0 {
		cfg.FrameQueueDepth = 128
	}
	if cfg.FrameBytes <= 0 {
		// PCM16 mono bytes per frame interval
		cfg.FrameBytes = cfg.SampleRate * 2 * int(cfg.FrameInterval/time.Millisecond) / 1000
	}
	return &Bridge{cfg: cfg, deps: deps, calls: make(map[string]*call)}
}

// OnCallStart registers a call, creates its log entry and session, and
// starts the pipeline goroutines. Exactly one pipeline exists per call ID.
func (b *Bridge) OnCallStart(ctx context.Context, callID, callerNumber string, commands Commands) error {
	b.mu.Lock()
	if _, exists := b.calls[callID]; exists {
		b.mu.Unlock()
		return faults.StateViolation("bridge", fmt.Errorf("call %s already active", callID))
	}

	callCtx, cancel := context.WithCancel(context.Background())
	c := &call{
		id:         callID,
		caller:     callerNumber,
		commands:   commands,
		ctx:        callCtx,
		cancel:     cancel,
		started:    time.Now(),
		utterances: make(chan *transcribe.Utterance, 4),
	}
	c.bus = pipeline.NewFrameBus(b.cfg.FrameQueueDepth, b.deps.Logger)
	c.detector = vad.NewDetector(b.cfg.VAD, b.deps.Logger)

	transcribeCfg := b.cfg.Transcribe
	transcribeCfg.SampleRate = b.cfg.SampleRate
	c.stage = transcribe.NewStage(transcribeCfg, b.deps.STT, b.deps.Logger)

	c.speaker = synth.NewStage(synth.Config{
		VoiceID:    b.cfg.VoiceID,
		FrameBytes: b.cfg.FrameBytes,
	}, b.deps.TTS, c.bus, b.deps.Logger)

	registry := engine.NewBuiltinRegistry(b.deps.CallLogs, callerNumber, b.deps.Logger)
	c.eng = engine.NewEngine(b.cfg.Engine, b.deps.LLM, registry, c.speaker, c.recordLine, b.deps.Logger)

	b.calls[callID] = c
	b.mu.Unlock()

	if err := b.deps.CallLogs.Create(ctx, &calllog.Entry{
		CallID:       callID,
		CallerNumber: callerNumber,
		Status:       calllog.StatusInProgress,
		StartedAt:    c.started,
	}); err != nil {
		b.unregister(callID)
		cancel()
		return fmt.Errorf("failed to create call log: %w", err)
	}

	action, err := b.deps.IVR.StartCall(ctx, callID, callerNumber)
	if err != nil {
		b.unregister(callID)
		cancel()
		return err
	}

	metrics.CallStarted()
	b.deps.Logger.Info("Call started",
		zap.String("call_id", callID),
		zap.String("caller", utils.MaskPhoneNumber(callerNumber)),
	)

	c.wg.Add(2)
	go b.playoutLoop(c)
	go b.mediaLoop(c)
	c.wg.Add(1)
	go b.engineLoop(c)

	if action.Say != "" {
		if err := c.speaker.Speak(callCtx, action.Say); err != nil && callCtx.Err() == nil {
			b.deps.Logger.Warn("Failed to speak menu greeting",
				zap.String("call_id", callID),
				zap.Error(err),
			)
		}
		c.recordLine("assistant", action.Say)
	}
	return nil
}

// OnMediaFrame feeds one caller audio frame into the call's pipeline. A
// saturated pipeline drops the frame rather than stalling the transport.
func (b *Bridge) OnMediaFrame(callID string, frame pipeline.Frame) error {
	c, ok := b.lookup(callID)
	if !ok {
		return faults.StateViolation("bridge", fmt.Errorf("no active call %s", callID))
	}

	err := c.bus.PublishInbound(frame, b.cfg.FrameInterval)
	if err != nil {
		if faults.KindOf(err) == faults.KindResourceExhaustion {
			metrics.RecordDroppedFrames(1)
			b.deps.Logger.Warn("Dropped inbound frame",
				zap.String("call_id", callID),
				zap.Uint64("seq", frame.Seq),
			)
			return nil
		}
		return err
	}
	return nil
}

// OnDigit applies a DTMF digit to the call's menu state
func (b *Bridge) OnDigit(ctx context.Context, callID, digit string) error {
	c, ok := b.lookup(callID)
	if !ok {
		return faults.StateViolation("bridge", fmt.Errorf("no active call %s", callID))
	}

	action, err := b.deps.IVR.OnDigit(ctx, callID, digit)
	if err != nil {
		if faults.KindOf(err) == faults.KindStateViolation {
			b.deps.Logger.Debug("Ignoring digit for ended call", zap.String("call_id", callID))
			return nil
		}
		return err
	}

	if action.Say != "" {
		if err := c.speaker.Speak(c.ctx, action.Say); err != nil && c.ctx.Err() == nil {
			b.deps.Logger.Warn("Failed to speak menu prompt",
				zap.String("call_id", callID),
				zap.Error(err),
			)
		}
		c.recordLine("assistant", action.Say)
	}

	if action.Handoff {
		c.handedOff.Store(true)
		if err := c.eng.Greet(c.ctx); err != nil && c.ctx.Err() == nil {
			b.deps.Logger.Warn("Failed to greet after handoff",
				zap.String("call_id", callID),
				zap.Error(err),
			)
		}
	}

	if action.Hangup {
		if err := c.commands.Hangup(ctx); err != nil {
			b.deps.Logger.Warn("Hangup command failed",
				zap.String("call_id", callID),
				zap.Error(err),
			)
		}
	}
	return nil
}

// OnClear handles a provider-side clear: discard queued agent audio and
// cancel whatever the agent was saying.
func (b *Bridge) OnClear(callID string) error {
	c, ok := b.lookup(callID)
	if !ok {
		return faults.StateViolation("bridge", fmt.Errorf("no active call %s", callID))
	}
	c.eng.BargeIn()
	c.speaker.Cancel()
	return nil
}

// OnCallEnd tears the call down. The log entry is finalized before this
// returns so the transport can safely ack the stop event.
func (b *Bridge) OnCallEnd(ctx context.Context, callID string) error {
	c := b.unregister(callID)
	if c == nil {
		b.deps.Logger.Debug("End event for unknown call", zap.String("call_id", callID))
		return nil
	}

	c.eng.Terminate()
	c.cancel()
	c.bus.Close()
	c.wg.Wait()

	status := calllog.StatusCompleted
	if c.failed.Load() {
		status = calllog.StatusFailed
	}

	transcript := c.transcriptCopy()
	summary := summarize(transcript)
	if err := b.deps.CallLogs.Finalize(ctx, callID, status, time.Now(), transcript, summary); err != nil {
		b.deps.Logger.Error("Failed to finalize call log",
			zap.String("call_id", callID),
			zap.Error(err),
		)
		return err
	}

	if err := b.deps.Sessions.Delete(ctx, callID); err != nil {
		b.deps.Logger.Warn("Failed to delete session",
			zap.String("call_id", callID),
			zap.Error(err),
		)
	}

	metrics.CallEnded(c.failed.Load())
	b.deps.Logger.Info("Call ended",
		zap.String("call_id", callID),
		zap.String("status", status),
		zap.Duration("duration", time.Since(c.started)),
	)
	return nil
}

// ActiveCalls returns the number of registered calls
func (b *Bridge) ActiveCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

// Shutdown ends every active call, used during graceful server shutdown
func (b *Bridge) Shutdown(ctx context.Context) {
	b.mu.Lock()
	ids := make([]string, 0, len(b.calls))
	for id := range b.calls {
		ids = append(ids, id)
	}
	b.mu.Unlock()

	for _, id := range ids {
		if err := b.OnCallEnd(ctx, id); err != nil {
			b.deps.Logger.Warn("Failed to end call during shutdown",
				zap.String("call_id", id),
				zap.Error(err),
			)
		}
	}
}

func (b *Bridge) lookup(callID string) (*call, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.calls[callID]
	return c, ok
}

func (b *Bridge) unregister(callID string) *call {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.calls[callID]
	delete(b.calls, callID)
	return c
}

// mediaLoop runs voice activity detection and utterance assembly over the
// inbound frame stream. Before the AI handoff the menu is DTMF-driven and
// caller audio is discarded.
func (b *Bridge) mediaLoop(c *call) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.bus.Inbound():
			if !c.handedOff.Load() {
				continue
			}
			b.handleFrame(c, f)
		}
	}
}

func (b *Bridge) handleFrame(c *call, f pipeline.Frame) {
	switch c.detector.Observe(f) {
	case vad.SpeechStart:
		if c.eng.Busy() {
			c.eng.BargeIn()
		}
		c.stage.Open(f.Timestamp)
		if err := c.stage.Append(f); err != nil {
			b.deps.Logger.Warn("Failed to buffer frame", zap.String("call_id", c.id), zap.Error(err))
		}

	case vad.None:
		if c.stage.IsOpen() {
			if err := c.stage.Append(f); err != nil {
				b.deps.Logger.Warn("Failed to buffer frame", zap.String("call_id", c.id), zap.Error(err))
			}
		}

	case vad.SpeechEnd:
		if !c.stage.IsOpen() {
			return
		}
		utt, err := c.stage.Finalize(c.ctx, f.Timestamp)
		if errors.Is(err, transcribe.ErrNoSpeech) {
			return
		}
		if err != nil {
			b.deps.Logger.Error("Transcription failed",
				zap.String("call_id", c.id),
				zap.Error(err),
			)
			return
		}
		select {
		case c.utterances <- utt:
		default:
			b.deps.Logger.Warn("Utterance queue full, dropping",
				zap.String("call_id", c.id),
			)
		}
	}
}

// engineLoop feeds finalized utterances to the conversation engine and hangs
// up when the engine decides the call is over.
func (b *Bridge) engineLoop(c *call) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case utt := <-c.utterances:
			done, err := c.eng.HandleUtterance(c.ctx, utt.Text)
			if err != nil && c.ctx.Err() == nil {
				c.failed.Store(true)
			}
			if done {
				if err := c.commands.Hangup(c.ctx); err != nil && c.ctx.Err() == nil {
					b.deps.Logger.Warn("Hangup command failed",
						zap.String("call_id", c.id),
						zap.Error(err),
					)
				}
				return
			}
		}
	}
}

// playoutLoop drains synthesized frames to the transport
func (b *Bridge) playoutLoop(c *call) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		case f := <-c.bus.Outbound():
			if err := c.commands.PlayAudio(c.ctx, f); err != nil && c.ctx.Err() == nil {
				b.deps.Logger.Warn("Failed to play frame",
					zap.String("call_id", c.id),
					zap.Uint64("seq", f.Seq),
					zap.Error(err),
				)
			}
		}
	}
}

func summarize(transcript []calllog.TranscriptLine) string {
	var user, assistant int
	for _, line := range transcript {
		switch line.Role {
		case "user":
			user++
		case "assistant":
			assistant++
		}
	}
	if user == 0 && assistant == 0 {
		return ""
	}
	return fmt.Sprintf("%d caller utterances, %d agent replies", user, assistant)
}
