package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/voice-pipeline/pkg/faults"
)

func frame(seq uint64) Frame {
	return Frame{Seq: seq, PCM: make([]byte, 640), Timestamp: time.Now()}
}

func TestPublishInboundDelivery(t *testing.T) {
	bus := NewFrameBus(4, zap.NewNop())
	defer bus.Close()

	for i := uint64(1); i <= 3; i++ {
		if err := bus.PublishInbound(frame(i), 10*time.Millisecond); err != nil {
			t.Fatalf("publish frame %d: %v", i, err)
		}
	}

	for i := uint64(1); i <= 3; i++ {
		select {
		case f := <-bus.Inbound():
			if f.Seq != i {
				t.Errorf("expected frame %d, got %d", i, f.Seq)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for frame")
		}
	}
}

func TestPublishInboundDropsWhenFull(t *testing.T) {
	bus := NewFrameBus(2, zap.NewNop())
	defer bus.Close()

	if err := bus.PublishInbound(frame(1), time.Millisecond); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if err := bus.PublishInbound(frame(2), time.Millisecond); err != nil {
		t.Fatalf("publish: %v", err)
	}

	err := bus.PublishInbound(frame(3), 5*time.Millisecond)
	if err == nil {
		t.Fatal("expected drop error on full queue")
	}
	if faults.KindOf(err) != faults.KindResourceExhaustion {
		t.Errorf("expected resource exhaustion fault, got %v", err)
	}

	// Queue contents are unaffected by the drop.
	f := <-bus.Inbound()
	if f.Seq != 1 {
		t.Errorf("expected frame 1, got %d", f.Seq)
	}
}

func TestPublishRejectsRegression(t *testing.T) {
	bus := NewFrameBus(8, zap.NewNop())
	defer bus.Close()

	if err := bus.PublishInbound(frame(5), time.Millisecond); err != nil {
		t.Fatalf("publish: %v", err)
	}
	err := bus.PublishInbound(frame(5), time.Millisecond)
	if err == nil {
		t.Fatal("expected error for duplicate sequence")
	}
	if faults.KindOf(err) != faults.KindStateViolation {
		t.Errorf("expected state violation, got %v", err)
	}
}

func TestPublishOutboundRespectsContext(t *testing.T) {
	bus := NewFrameBus(1, zap.NewNop())
	defer bus.Close()

	ctx := context.Background()
	if err := bus.PublishOutbound(ctx, frame(1)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	err := bus.PublishOutbound(cancelled, frame(2))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestPublishAfterClose(t *testing.T) {
	bus := NewFrameBus(4, zap.NewNop())
	bus.Close()
	bus.Close() // idempotent

	err := bus.PublishInbound(frame(1), time.Millisecond)
	if faults.KindOf(err) != faults.KindStateViolation {
		t.Errorf("expected state violation after close, got %v", err)
	}
}
