// Package engine runs the AI side of a call: it turns finalized caller
// utterances into streamed model replies, dispatches tool calls, and feeds
// sentence-sized chunks to synthesis so the agent starts speaking before the
// model finishes.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/voice-pipeline/pkg/faults"
	"github.com/troikatech/voice-pipeline/pkg/llm"
	"github.com/troikatech/voice-pipeline/pkg/metrics"
)

// State is the engine's position in the conversation loop
type State int

const (
	StateIdle State = iota
	StateAwaitingUtterance
	StateGenerating
	StateToolDispatch
	StateSpeaking
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingUtterance:
		return "awaiting_utterance"
	case StateGenerating:
		return "generating"
	case StateToolDispatch:
		return "tool_dispatch"
	case StateSpeaking:
		return "speaking"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Speaker plays synthesized text to the caller. Speak blocks until the text
// has been handed to playout or the context is cancelled.
type Speaker interface {
	Speak(ctx context.Context, text string) error
	Cancel()
}

// LineFunc receives each spoken line for transcript recording
type LineFunc func(role, text string)

// Config tunes the conversation loop
type Config struct {
	SystemPrompt  string
	Greeting      string
	Farewell      string
	ExitPhrases   []string
	MaxRetries    int
	MaxToolRounds int
	// maxHistory bounds the message history sent to the model
	MaxHistory int
}

// Engine is the per-call conversation state machine. HandleUtterance runs on
// the engine goroutine; BargeIn and Terminate may be called from the media
// loop concurrently.
type Engine struct {
	cfg     Config
	client  llm.Client
	tools   *Registry
	speaker Speaker
	logger  *zap.Logger
	onLine  LineFunc

	mu           sync.Mutex
	state        State
	genCancel    context.CancelFunc
	endRequested bool
	history      []llm.Message
}

func NewEngine(cfg Config, client llm.Client, tools *Registry, speaker Speaker, onLine LineFunc, logger *zap.Logger) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.MaxToolRounds <= 0 {
		cfg.MaxToolRounds = 4
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 40
	}
	if cfg.Greeting == "" {
		cfg.Greeting = "Hello, how can I help you today?"
	}
	if cfg.Farewell == "" {
		cfg.Farewell = "Goodbye, thanks for calling."
	}
	if len(cfg.ExitPhrases) == 0 {
		cfg.ExitPhrases = []string{"goodbye", "bye", "exit", "quit", "stop", "end conversation"}
	}
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = "You are a helpful voice assistant on a phone call. " +
			"Keep replies short and conversational, one to three sentences. " +
			"Use the available tools when the caller asks about orders, appointments, weather or their call history. " +
			"When the caller is done, use the end_call tool."
	}

	e := &Engine{
		cfg:     cfg,
		client:  client,
		tools:   tools,
		speaker: speaker,
		logger:  logger,
		onLine:  onLine,
		state:   StateIdle,
	}
	e.history = append(e.history, llm.Message{Role: llm.RoleSystem, Content: cfg.SystemPrompt})
	return e
}

// State returns the engine's current state
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Busy reports whether the agent is generating or speaking, which is when a
// new caller speech burst counts as a barge-in.
func (e *Engine) Busy() bool {
	switch e.State() {
	case StateGenerating, StateToolDispatch, StateSpeaking:
		return true
	}
	return false
}

// Greet speaks the opening line and readies the engine for the first
// utterance.
func (e *Engine) Greet(ctx context.Context) error {
	if e.State() == StateTerminated {
		return faults.StateViolation("engine", fmt.Errorf("greet after termination"))
	}
	e.setState(StateSpeaking)
	if err := e.speaker.Speak(ctx, e.cfg.Greeting); err != nil {
		e.setState(StateAwaitingUtterance)
		return err
	}
	e.recordLine("assistant", e.cfg.Greeting)
	e.appendHistory(llm.Message{Role: llm.RoleAssistant, Content: e.cfg.Greeting})
	e.setState(StateAwaitingUtterance)
	return nil
}

// BargeIn cancels in-flight generation and playback because the caller
// started speaking. The discarded reply is not added to history.
func (e *Engine) BargeIn() {
	e.mu.Lock()
	cancel := e.genCancel
	interrupted := e.state == StateGenerating || e.state == StateToolDispatch || e.state == StateSpeaking
	if interrupted {
		e.state = StateAwaitingUtterance
	}
	e.mu.Unlock()

	if !interrupted {
		return
	}
	if cancel != nil {
		cancel()
	}
	e.speaker.Cancel()
	metrics.RecordBargeIn()
	e.logger.Debug("Barge-in, cancelled agent turn")
}

// Terminate shuts the engine down during call teardown
func (e *Engine) Terminate() {
	e.mu.Lock()
	cancel := e.genCancel
	e.state = StateTerminated
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.speaker.Cancel()
}

// HandleUtterance processes one finalized caller utterance. It returns
// done=true when the conversation is over and the call should end.
func (e *Engine) HandleUtterance(ctx context.Context, text string) (done bool, err error) {
	if e.State() == StateTerminated {
		return true, faults.StateViolation("engine", fmt.Errorf("utterance after termination"))
	}

	e.recordLine("user", text)

	if e.isExitPhrase(text) {
		e.setState(StateSpeaking)
		if err := e.speaker.Speak(ctx, e.cfg.Farewell); err != nil {
			e.logger.Warn("Failed to speak farewell", zap.Error(err))
		}
		e.recordLine("assistant", e.cfg.Farewell)
		e.setState(StateTerminated)
		return true, nil
	}

	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.genCancel = cancel
	e.mu.Unlock()

	e.appendHistory(llm.Message{Role: llm.RoleUser, Content: text})

	err = e.generate(genCtx)

	e.mu.Lock()
	e.genCancel = nil
	ended := e.endRequested
	e.mu.Unlock()

	if genCtx.Err() != nil {
		// Cancelled mid-turn: a barge-in means the next utterance is already
		// on its way, teardown means the call is over either way.
		if e.State() == StateTerminated {
			return true, nil
		}
		e.setState(StateAwaitingUtterance)
		return false, nil
	}

	if err != nil {
		e.logger.Error("Generation failed, ending call", zap.Error(err))
		e.setState(StateSpeaking)
		fallback := "I'm sorry, I'm having trouble right now. Please call back in a few minutes. Goodbye."
		if speakErr := e.speaker.Speak(ctx, fallback); speakErr != nil {
			e.logger.Warn("Failed to speak fallback", zap.Error(speakErr))
		}
		e.recordLine("assistant", fallback)
		e.setState(StateTerminated)
		return true, err
	}

	if ended {
		e.setState(StateTerminated)
		return true, nil
	}

	e.setState(StateAwaitingUtterance)
	return false, nil
}

// generate runs model rounds until a reply arrives with no tool calls or the
// round budget is spent. Tool results are appended to history before the
// model is re-invoked, so every continuation sees them.
func (e *Engine) generate(ctx context.Context) error {
	for round := 0; round < e.cfg.MaxToolRounds; round++ {
		text, toolCalls, err := e.streamWithRetry(ctx)
		if err != nil {
			return err
		}

		if len(toolCalls) == 0 {
			if text != "" {
				e.appendHistory(llm.Message{Role: llm.RoleAssistant, Content: text})
				e.recordLine("assistant", text)
			}
			return nil
		}

		e.appendHistory(llm.Message{
			Role:      llm.RoleAssistant,
			Content:   text,
			ToolCalls: toolCalls,
		})
		if text != "" {
			e.recordLine("assistant", text)
		}

		e.setState(StateToolDispatch)
		for _, call := range toolCalls {
			result, err := e.tools.Dispatch(ctx, call)
			if err != nil {
				e.logger.Warn("Tool call failed",
					zap.String("tool", call.Name),
					zap.Error(err),
				)
				result = "error: " + err.Error()
			}
			if call.Name == EndCallToolName && err == nil && endCallConfirmed(call.Arguments) {
				e.mu.Lock()
				e.endRequested = true
				e.mu.Unlock()
			}
			e.appendHistory(llm.Message{
				Role:       llm.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
			})
		}
	}

	e.logger.Warn("Tool round budget exhausted", zap.Int("rounds", e.cfg.MaxToolRounds))
	return nil
}

// streamWithRetry starts a model stream and speaks sentences as they
// complete. Transient failures before any audio has been spoken are retried
// with backoff; once the caller has heard part of a reply a failure is
// surfaced instead of re-speaking.
func (e *Engine) streamWithRetry(ctx context.Context) (string, []llm.ToolCall, error) {
	var lastErr error

	for attempt := 0; attempt < e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * 300 * time.Millisecond
			select {
			case <-ctx.Done():
				return "", nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		text, toolCalls, spoke, err := e.streamOnce(ctx)
		if err == nil {
			return text, toolCalls, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}
		if spoke || !faults.IsRetryable(err) {
			return "", nil, err
		}
		e.logger.Warn("Model stream failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return "", nil, lastErr
}

func (e *Engine) streamOnce(ctx context.Context) (string, []llm.ToolCall, bool, error) {
	e.setState(StateGenerating)

	started := time.Now()
	events, err := e.client.GenerateStream(ctx, e.historySnapshot(), e.tools.Schemas())
	if err != nil {
		metrics.RecordServiceCall("llm", false, time.Since(started))
		return "", nil, false, err
	}

	seg := NewSegmenter()
	var full strings.Builder
	var toolCalls []llm.ToolCall
	spoke := false

	for event := range events {
		if event.Err != nil {
			metrics.RecordServiceCall("llm", false, time.Since(started))
			return "", nil, spoke, event.Err
		}
		if event.TextDelta != "" {
			full.WriteString(event.TextDelta)
			for _, sentence := range seg.Feed(event.TextDelta) {
				if err := e.speakSentence(ctx, sentence); err != nil {
					return "", nil, spoke, err
				}
				spoke = true
			}
		}
		if len(event.ToolCalls) > 0 {
			toolCalls = append(toolCalls, event.ToolCalls...)
		}
	}
	metrics.RecordServiceCall("llm", true, time.Since(started))

	if remainder := seg.Flush(); remainder != "" {
		if err := e.speakSentence(ctx, remainder); err != nil {
			return "", nil, spoke, err
		}
	}

	return strings.TrimSpace(full.String()), toolCalls, spoke, nil
}

func (e *Engine) speakSentence(ctx context.Context, sentence string) error {
	e.setState(StateSpeaking)
	err := e.speaker.Speak(ctx, sentence)
	e.setState(StateGenerating)
	return err
}

func (e *Engine) isExitPhrase(text string) bool {
	normalized := strings.ToLower(strings.TrimSpace(text))
	normalized = strings.Trim(normalized, ".!?,")
	for _, phrase := range e.cfg.ExitPhrases {
		if normalized == phrase {
			return true
		}
	}
	return false
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateTerminated && s != StateTerminated {
		return
	}
	e.state = s
}

func (e *Engine) recordLine(role, text string) {
	if e.onLine != nil {
		e.onLine(role, text)
	}
}

// appendHistory adds messages and trims to the configured bound. Greet can
// run on the websocket reader goroutine while the engine loop is mid-turn, so
// history is only ever touched under mu.
func (e *Engine) appendHistory(messages ...llm.Message) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, messages...)
	e.trimHistoryLocked()
}

// historySnapshot copies the history for a model call
func (e *Engine) historySnapshot() []llm.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]llm.Message(nil), e.history...)
}

// trimHistoryLocked keeps the system prompt plus the most recent messages.
// Caller holds mu.
func (e *Engine) trimHistoryLocked() {
	if len(e.history) <= e.cfg.MaxHistory {
		return
	}
	trimmed := make([]llm.Message, 0, e.cfg.MaxHistory)
	trimmed = append(trimmed, e.history[0])
	trimmed = append(trimmed, e.history[len(e.history)-(e.cfg.MaxHistory-1):]...)
	e.history = trimmed
}
