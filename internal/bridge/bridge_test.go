package bridge

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/voice-pipeline/internal/calllog"
	"github.com/troikatech/voice-pipeline/internal/ivr"
	"github.com/troikatech/voice-pipeline/internal/pipeline"
	"github.com/troikatech/voice-pipeline/internal/session"
	"github.com/troikatech/voice-pipeline/pkg/faults"
	"github.com/troikatech/voice-pipeline/pkg/llm"
	"github.com/troikatech/voice-pipeline/pkg/stt"
)

type fakeTransport struct {
	mu     sync.Mutex
	frames int
	hungup bool
}

func (f *fakeTransport) PlayAudio(ctx context.Context, frame pipeline.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames++
	return nil
}

func (f *fakeTransport) Hangup(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hungup = true
	return nil
}

func (f *fakeTransport) hangupCalled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hungup
}

type fakeTranscriber struct {
	text string
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (*stt.Result, error) {
	return &stt.Result{Text: f.text, Confidence: 0.95}, nil
}

func (f *fakeTranscriber) IsAvailable() bool { return true }

type fakeSynth struct{}

func (f *fakeSynth) Synthesize(ctx context.Context, text, voiceID string) (<-chan []byte, error) {
	ch := make(chan []byte, 1)
	ch <- make([]byte, 640)
	close(ch)
	return ch, nil
}

func (f *fakeSynth) IsAvailable() bool { return true }

type scriptedLLM struct {
	mu      sync.Mutex
	scripts [][]llm.Event
	calls   int
}

func (c *scriptedLLM) GenerateStream(ctx context.Context, messages []llm.Message, tools []llm.ToolSchema) (<-chan llm.Event, error) {
	c.mu.Lock()
	idx := c.calls
	c.calls++
	c.mu.Unlock()

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

func (c *scriptedLLM) IsAvailable() bool { return true }

func (c *scriptedLLM) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func newTestBridge(t *testing.T, client llm.Client, transcriber stt.Transcriber) (*Bridge, *calllog.MemoryStore, session.Store) {
	t.Helper()
	logger := zap.NewNop()
	sessions := session.NewMemoryStore()
	logs := calllog.NewMemoryStore()
	machine := ivr.NewStateMachine(ivr.Config{MaxRetries: 3, SessionTTL: time.Minute}, sessions, logger)

	b := New(Config{
		SampleRate:      16000,
		FrameInterval:   20 * time.Millisecond,
		FrameQueueDepth: 256,
	}, Deps{
		LLM:      client,
		STT:      transcriber,
		TTS:      &fakeSynth{},
		Sessions: sessions,
		CallLogs: logs,
		IVR:      machine,
		Logger:   logger,
	})
	return b, logs, sessions
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func voicedFrame(seq uint64, at time.Time) pipeline.Frame {
	pcm := make([]byte, 640)
	for i := 0; i < len(pcm); i += 2 {
		binary.LittleEndian.PutUint16(pcm[i:], 3000)
	}
	return pipeline.Frame{Seq: seq, PCM: pcm, Timestamp: at}
}

func silentFrame(seq uint64, at time.Time) pipeline.Frame {
	return pipeline.Frame{Seq: seq, PCM: make([]byte, 640), Timestamp: at}
}

func TestConversationWithToolCall(t *testing.T) {
	client := &scriptedLLM{scripts: [][]llm.Event{
		{{ToolCalls: []llm.ToolCall{{
			ID:        "call_1",
			Name:      "check_order_status",
			Arguments: json.RawMessage(`{"order_id": "ORD-12345"}`),
		}}}},
		{{TextDelta: "Your order ORD-12345 has shipped and arrives Thursday."}},
	}}
	b, logs, _ := newTestBridge(t, client, &fakeTranscriber{text: "check order ORD-12345"})
	transport := &fakeTransport{}
	ctx := context.Background()

	if err := b.OnCallStart(ctx, "CA300", "+14155550100", transport); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := b.OnDigit(ctx, "CA300", "0"); err != nil {
		t.Fatalf("handoff digit: %v", err)
	}

	// One speech burst followed by enough silence to close it.
	base := time.Now()
	seq := uint64(0)
	for i := 0; i < 20; i++ {
		seq++
		if err := b.OnMediaFrame("CA300", voicedFrame(seq, base.Add(time.Duration(i)*20*time.Millisecond))); err != nil {
			t.Fatalf("media frame: %v", err)
		}
	}
	for i := 20; i < 45; i++ {
		seq++
		if err := b.OnMediaFrame("CA300", silentFrame(seq, base.Add(time.Duration(i)*20*time.Millisecond))); err != nil {
			t.Fatalf("media frame: %v", err)
		}
	}

	waitFor(t, 3*time.Second, func() bool { return client.callCount() == 2 },
		"model was not re-invoked after the tool call")

	if err := b.OnCallEnd(ctx, "CA300"); err != nil {
		t.Fatalf("end: %v", err)
	}

	entry, err := logs.GetByCallID(ctx, "CA300")
	if err != nil {
		t.Fatalf("get log: %v", err)
	}
	if entry.Status != calllog.StatusCompleted {
		t.Errorf("status = %q, want completed", entry.Status)
	}
	if entry.EndedAt.IsZero() {
		t.Error("ended_at not set")
	}

	var sawUser, sawReply bool
	for _, line := range entry.Transcript {
		if line.Role == "user" && strings.Contains(line.Text, "ORD-12345") {
			sawUser = true
		}
		if line.Role == "assistant" && strings.Contains(line.Text, "shipped") {
			sawReply = true
		}
	}
	if !sawUser {
		t.Error("caller utterance missing from transcript")
	}
	if !sawReply {
		t.Error("agent reply missing from transcript")
	}
	if b.ActiveCalls() != 0 {
		t.Errorf("call still registered after end")
	}
}

func TestMenuRetriesExhaustedHangsUp(t *testing.T) {
	b, _, sessions := newTestBridge(t, &scriptedLLM{}, &fakeTranscriber{})
	transport := &fakeTransport{}
	ctx := context.Background()

	if err := b.OnCallStart(ctx, "CA301", "+14155550100", transport); err != nil {
		t.Fatalf("start: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := b.OnDigit(ctx, "CA301", "9"); err != nil {
			t.Fatalf("digit %d: %v", i, err)
		}
	}
	if !transport.hangupCalled() {
		t.Error("hangup not requested after retries exhausted")
	}

	sess, err := sessions.Get(ctx, "CA301")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if sess.MenuState != ivr.StateEnded {
		t.Errorf("menu state = %q, want ended", sess.MenuState)
	}

	// Late digits after the call ended are ignored, not errors.
	if err := b.OnDigit(ctx, "CA301", "1"); err != nil {
		t.Errorf("late digit should be a no-op, got %v", err)
	}

	if err := b.OnCallEnd(ctx, "CA301"); err != nil {
		t.Fatalf("end: %v", err)
	}
}

func TestDuplicateCallStartRejected(t *testing.T) {
	b, _, _ := newTestBridge(t, &scriptedLLM{}, &fakeTranscriber{})
	ctx := context.Background()

	if err := b.OnCallStart(ctx, "CA302", "+14155550100", &fakeTransport{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer b.OnCallEnd(ctx, "CA302")

	err := b.OnCallStart(ctx, "CA302", "+14155550100", &fakeTransport{})
	if faults.KindOf(err) != faults.KindStateViolation {
		t.Errorf("expected state violation, got %v", err)
	}
}

func TestMediaFrameForUnknownCall(t *testing.T) {
	b, _, _ := newTestBridge(t, &scriptedLLM{}, &fakeTranscriber{})
	err := b.OnMediaFrame("CA303", voicedFrame(1, time.Now()))
	if faults.KindOf(err) != faults.KindStateViolation {
		t.Errorf("expected state violation, got %v", err)
	}
}

func TestEndUnknownCallIsNoOp(t *testing.T) {
	b, _, _ := newTestBridge(t, &scriptedLLM{}, &fakeTranscriber{})
	if err := b.OnCallEnd(context.Background(), "CA304"); err != nil {
		t.Errorf("end of unknown call should be a no-op, got %v", err)
	}
}

func TestShutdownEndsAllCalls(t *testing.T) {
	b, logs, _ := newTestBridge(t, &scriptedLLM{}, &fakeTranscriber{})
	ctx := context.Background()

	for _, id := range []string{"CA305", "CA306"} {
		if err := b.OnCallStart(ctx, id, "+14155550100", &fakeTransport{}); err != nil {
			t.Fatalf("start %s: %v", id, err)
		}
	}

	b.Shutdown(ctx)
	if b.ActiveCalls() != 0 {
		t.Errorf("calls remaining after shutdown: %d", b.ActiveCalls())
	}

	for _, id := range []string{"CA305", "CA306"} {
		entry, err := logs.GetByCallID(ctx, id)
		if err != nil {
			t.Fatalf("get log %s: %v", id, err)
		}
		if entry.Status != calllog.StatusCompleted {
			t.Errorf("%s status = %q, want completed", id, entry.Status)
		}
	}
}
