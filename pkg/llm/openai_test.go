package llm

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type closeTrackingBody struct {
	io.Reader
	closed atomic.Bool
}

func (b *closeTrackingBody) Close() error {
	b.closed.Store(true)
	return nil
}

func sseBody(deltas int) io.Reader {
	var buf bytes.Buffer
	for i := 0; i < deltas; i++ {
		buf.WriteString(`data: {"choices":[{"delta":{"content":"word "}}]}` + "\n\n")
	}
	buf.WriteString("data: [DONE]\n\n")
	return &buf
}

func TestConsumeStreamDeliversDeltas(t *testing.T) {
	body := &closeTrackingBody{Reader: sseBody(3)}
	events := make(chan Event, 16)
	c := &OpenAIClient{logger: zap.NewNop()}

	go c.consumeStream(context.Background(), body, events)

	var full strings.Builder
	for event := range events {
		if event.Err != nil {
			t.Fatalf("unexpected stream error: %v", event.Err)
		}
		full.WriteString(event.TextDelta)
	}
	if got := full.String(); got != "word word word " {
		t.Errorf("assembled text = %q", got)
	}
	if !body.closed.Load() {
		t.Error("response body was not closed")
	}
}

func TestConsumeStreamExitsWhenConsumerAbandonsChannel(t *testing.T) {
	// More deltas than the channel buffers, and a consumer that walks away
	// without draining, as a cancelled turn does.
	body := &closeTrackingBody{Reader: sseBody(40)}
	events := make(chan Event, 16)
	ctx, cancel := context.WithCancel(context.Background())
	c := &OpenAIClient{logger: zap.NewNop()}

	finished := make(chan struct{})
	go func() {
		c.consumeStream(ctx, body, events)
		close(finished)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("consumeStream did not exit after the consumer abandoned the channel")
	}
	if !body.closed.Load() {
		t.Error("response body was not closed")
	}
}
