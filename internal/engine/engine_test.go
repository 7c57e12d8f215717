package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/voice-pipeline/internal/calllog"
	"github.com/troikatech/voice-pipeline/pkg/faults"
	"github.com/troikatech/voice-pipeline/pkg/llm"
)

type scriptedClient struct {
	mu      sync.Mutex
	scripts [][]llm.Event
	errs    []error
	calls   [][]llm.Message
}

func (c *scriptedClient) GenerateStream(ctx context.Context, messages []llm.Message, tools []llm.ToolSchema) (<-chan llm.Event, error) {
	c.mu.Lock()
	idx := len(c.calls)
	c.calls = append(c.calls, append([]llm.Message(nil), messages...))
	c.mu.Unlock()

	if idx < len(c.errs) && c.errs[idx] != nil {
		return nil, c.errs[idx]
	}

	var script []llm.Event
	if idx < len(c.scripts) {
		script = c.scripts[idx]
	}
	ch := make(chan llm.Event, len(script)+1)
	for _, event := range script {
		ch <- event
	}
	close(ch)
	return ch, nil
}

func (c *scriptedClient) IsAvailable() bool { return true }

func (c *scriptedClient) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

type recordingSpeaker struct {
	mu      sync.Mutex
	spoken  []string
	blockCh chan struct{}
}

func (s *recordingSpeaker) Speak(ctx context.Context, text string) error {
	if s.blockCh != nil {
		select {
		case <-s.blockCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spoken = append(s.spoken, text)
	return nil
}

func (s *recordingSpeaker) Cancel() {}

func (s *recordingSpeaker) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.spoken...)
}

// stallingSpeaker mimics synthesis latency so concurrent calls overlap
type stallingSpeaker struct {
	recordingSpeaker
	delay time.Duration
}

func (s *stallingSpeaker) Speak(ctx context.Context, text string) error {
	time.Sleep(s.delay)
	return s.recordingSpeaker.Speak(ctx, text)
}

func newTestEngine(client llm.Client, speaker Speaker) *Engine {
	registry := NewBuiltinRegistry(calllog.NewMemoryStore(), "+14155550100", zap.NewNop())
	return NewEngine(Config{MaxRetries: 2, MaxToolRounds: 4}, client, registry, speaker, nil, zap.NewNop())
}

func textEvents(chunks ...string) []llm.Event {
	events := make([]llm.Event, 0, len(chunks))
	for _, c := range chunks {
		events = append(events, llm.Event{TextDelta: c})
	}
	return events
}

func TestSimpleReplySpokenAndStateReturns(t *testing.T) {
	client := &scriptedClient{scripts: [][]llm.Event{
		textEvents("I can help with that. ", "What is your order number?"),
	}}
	speaker := &recordingSpeaker{}
	eng := newTestEngine(client, speaker)

	done, err := eng.HandleUtterance(context.Background(), "I need help with an order")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if done {
		t.Error("conversation should continue")
	}
	if eng.State() != StateAwaitingUtterance {
		t.Errorf("state = %v, want awaiting_utterance", eng.State())
	}

	spoken := strings.Join(speaker.all(), " ")
	if !strings.Contains(spoken, "I can help with that.") {
		t.Errorf("first sentence not spoken: %v", speaker.all())
	}
	if !strings.Contains(spoken, "What is your order number?") {
		t.Errorf("remainder not spoken: %v", speaker.all())
	}
}

func TestToolResultVisibleToContinuation(t *testing.T) {
	toolCall := llm.ToolCall{
		ID:        "call_1",
		Name:      "check_order_status",
		Arguments: json.RawMessage(`{"order_id": "ORD-12345"}`),
	}
	client := &scriptedClient{scripts: [][]llm.Event{
		{{ToolCalls: []llm.ToolCall{toolCall}}},
		textEvents("Good news, your order has shipped and arrives Thursday."),
	}}
	speaker := &recordingSpeaker{}
	eng := newTestEngine(client, speaker)

	done, err := eng.HandleUtterance(context.Background(), "where is order ORD-12345")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if done {
		t.Error("conversation should continue")
	}
	if client.callCount() != 2 {
		t.Fatalf("expected 2 model calls, got %d", client.callCount())
	}

	// The second invocation must carry the tool result message.
	second := client.calls[1]
	var found bool
	for _, msg := range second {
		if msg.Role == llm.RoleTool && msg.ToolCallID == "call_1" &&
			strings.Contains(msg.Content, "shipped") {
			found = true
		}
	}
	if !found {
		t.Error("tool result not present in continuation request")
	}

	if got := strings.Join(speaker.all(), " "); !strings.Contains(got, "shipped") {
		t.Errorf("final reply not spoken: %v", speaker.all())
	}
}

func TestExitPhraseEndsConversation(t *testing.T) {
	client := &scriptedClient{}
	speaker := &recordingSpeaker{}
	eng := newTestEngine(client, speaker)

	done, err := eng.HandleUtterance(context.Background(), "Goodbye!")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !done {
		t.Error("exit phrase should end the conversation")
	}
	if eng.State() != StateTerminated {
		t.Errorf("state = %v, want terminated", eng.State())
	}
	if client.callCount() != 0 {
		t.Errorf("exit phrase should not reach the model, got %d calls", client.callCount())
	}
	if len(speaker.all()) == 0 {
		t.Error("farewell was not spoken")
	}
}

func TestEndCallToolTerminates(t *testing.T) {
	client := &scriptedClient{scripts: [][]llm.Event{
		{{ToolCalls: []llm.ToolCall{{ID: "call_2", Name: EndCallToolName, Arguments: json.RawMessage(`{"confirm": true}`)}}}},
		textEvents("Thanks for calling, goodbye!"),
	}}
	speaker := &recordingSpeaker{}
	eng := newTestEngine(client, speaker)

	done, err := eng.HandleUtterance(context.Background(), "that's all I needed")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !done {
		t.Error("end_call tool should end the conversation")
	}
	if eng.State() != StateTerminated {
		t.Errorf("state = %v, want terminated", eng.State())
	}
}

func TestGreetDuringActiveTurnKeepsHistoryConsistent(t *testing.T) {
	// The bridge greets from the websocket reader goroutine on DTMF handoff,
	// which can overlap a turn already running on the engine loop.
	client := &scriptedClient{scripts: [][]llm.Event{
		textEvents("Sure, let me check that for you."),
	}}
	speaker := &stallingSpeaker{delay: 200 * time.Microsecond}
	eng := newTestEngine(client, speaker)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := eng.Greet(context.Background()); err != nil {
			t.Errorf("greet: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if _, err := eng.HandleUtterance(context.Background(), "where is my order"); err != nil {
			t.Errorf("handle: %v", err)
		}
	}()
	wg.Wait()

	// system prompt, greeting, user utterance, assistant reply
	history := eng.historySnapshot()
	if len(history) != 4 {
		t.Errorf("history has %d messages, want 4: %+v", len(history), history)
	}

	spoken := strings.Join(speaker.all(), " ")
	if !strings.Contains(spoken, "Hello") {
		t.Errorf("greeting not spoken: %v", speaker.all())
	}
	if !strings.Contains(spoken, "Sure, let me check that for you.") {
		t.Errorf("reply not spoken: %v", speaker.all())
	}
}

func TestUnconfirmedEndCallKeepsConversationOpen(t *testing.T) {
	client := &scriptedClient{scripts: [][]llm.Event{
		{{ToolCalls: []llm.ToolCall{{ID: "call_3", Name: EndCallToolName, Arguments: json.RawMessage(`{"confirm": false}`)}}}},
		textEvents("Just to confirm, are you all set?"),
	}}
	speaker := &recordingSpeaker{}
	eng := newTestEngine(client, speaker)

	done, err := eng.HandleUtterance(context.Background(), "maybe that's it")
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if done {
		t.Error("unconfirmed end_call should not end the conversation")
	}
	if eng.State() != StateAwaitingUtterance {
		t.Errorf("state = %v, want awaiting utterance", eng.State())
	}
}

func TestPersistentModelFailureSpeaksFallback(t *testing.T) {
	transient := faults.Transient("llm", fmt.Errorf("upstream 503"))
	client := &scriptedClient{errs: []error{transient, transient, transient}}
	speaker := &recordingSpeaker{}
	eng := newTestEngine(client, speaker)

	done, err := eng.HandleUtterance(context.Background(), "hello?")
	if err == nil {
		t.Fatal("expected error")
	}
	if !done {
		t.Error("persistent failure should end the call")
	}
	if eng.State() != StateTerminated {
		t.Errorf("state = %v, want terminated", eng.State())
	}
	if client.callCount() != 2 {
		t.Errorf("expected 2 attempts, got %d", client.callCount())
	}

	spoken := strings.Join(speaker.all(), " ")
	if !strings.Contains(spoken, "trouble") {
		t.Errorf("fallback not spoken: %v", speaker.all())
	}
}

func TestRejectionIsNotRetried(t *testing.T) {
	client := &scriptedClient{errs: []error{
		faults.Rejection("llm", fmt.Errorf("invalid api key")),
		nil,
	}}
	speaker := &recordingSpeaker{}
	eng := newTestEngine(client, speaker)

	_, err := eng.HandleUtterance(context.Background(), "hello?")
	if err == nil {
		t.Fatal("expected error")
	}
	if client.callCount() != 1 {
		t.Errorf("rejection should not be retried, got %d calls", client.callCount())
	}
}

func TestBargeInCancelsTurn(t *testing.T) {
	blockCh := make(chan struct{})
	client := &scriptedClient{scripts: [][]llm.Event{
		textEvents("Here is a long answer that will be interrupted. And more text follows."),
	}}
	speaker := &recordingSpeaker{blockCh: blockCh}
	eng := newTestEngine(client, speaker)

	resultCh := make(chan struct {
		done bool
		err  error
	}, 1)
	go func() {
		done, err := eng.HandleUtterance(context.Background(), "tell me everything")
		resultCh <- struct {
			done bool
			err  error
		}{done, err}
	}()

	// Wait for the engine to block inside Speak, then interrupt.
	deadline := time.After(2 * time.Second)
	for eng.State() != StateSpeaking {
		select {
		case <-deadline:
			t.Fatal("engine never reached speaking state")
		case <-time.After(5 * time.Millisecond):
		}
	}
	eng.BargeIn()

	select {
	case result := <-resultCh:
		if result.err != nil {
			t.Fatalf("barge-in should not be an error: %v", result.err)
		}
		if result.done {
			t.Error("barge-in should not end the conversation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handle did not return after barge-in")
	}

	if eng.State() != StateAwaitingUtterance {
		t.Errorf("state = %v, want awaiting_utterance", eng.State())
	}
	if len(speaker.all()) != 0 {
		t.Errorf("interrupted sentence should not complete: %v", speaker.all())
	}
}

func TestGreetSpeaksAndArms(t *testing.T) {
	client := &scriptedClient{}
	speaker := &recordingSpeaker{}
	eng := newTestEngine(client, speaker)

	if err := eng.Greet(context.Background()); err != nil {
		t.Fatalf("greet: %v", err)
	}
	if len(speaker.all()) != 1 {
		t.Fatalf("expected one greeting, got %v", speaker.all())
	}
	if eng.State() != StateAwaitingUtterance {
		t.Errorf("state = %v, want awaiting_utterance", eng.State())
	}
}

func TestUtteranceAfterTerminationRejected(t *testing.T) {
	client := &scriptedClient{}
	eng := newTestEngine(client, &recordingSpeaker{})
	eng.Terminate()

	_, err := eng.HandleUtterance(context.Background(), "hello?")
	if faults.KindOf(err) != faults.KindStateViolation {
		t.Errorf("expected state violation, got %v", err)
	}
}
