package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/voice-pipeline/pkg/faults"
)

// FrameBus is the bounded, ordered duplex channel between the telephony
// bridge and the pipeline stages. Each direction is single-producer /
// single-consumer; frames are owned by the bus until received exactly once.
type FrameBus struct {
	inbound  chan Frame
	outbound chan Frame

	logger *zap.Logger

	mu          sync.Mutex
	lastInSeq   uint64
	lastOutSeq  uint64
	inStarted   bool
	outStarted  bool
	closeOnce   sync.Once
	closed      chan struct{}
}

// NewFrameBus creates a bus with the given queue depth per direction
func NewFrameBus(depth int, logger *zap.Logger) *FrameBus {
	if depth <= 0 {
		depth = 128
	}
	return &FrameBus{
		inbound:  make(chan Frame, depth),
		outbound: make(chan Frame, depth),
		logger:   logger,
		closed:   make(chan struct{}),
	}
}

// PublishInbound enqueues a caller audio frame. It blocks at most wait before
// giving up, so a saturated pipeline cannot stall the bridge's event intake.
// Returns a resource-exhaustion fault when the frame had to be discarded.
func (b *FrameBus) PublishInbound(f Frame, wait time.Duration) error {
	if err := b.checkSeq(&b.lastInSeq, &b.inStarted, f.Seq, "inbound"); err != nil {
		return err
	}

	select {
	case <-b.closed:
		return faults.StateViolation("bus", fmt.Errorf("publish on closed bus"))
	case b.inbound <- f:
		return nil
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case b.inbound <- f:
		return nil
	case <-b.closed:
		return faults.StateViolation("bus", fmt.Errorf("publish on closed bus"))
	case <-timer.C:
		return faults.ResourceExhaustion("bus", fmt.Errorf("inbound frame queue full, dropped frame %d", f.Seq))
	}
}

// PublishOutbound enqueues an agent audio frame, blocking until the playout
// consumer accepts it (backpressure) or ctx is cancelled.
func (b *FrameBus) PublishOutbound(ctx context.Context, f Frame) error {
	if err := b.checkSeq(&b.lastOutSeq, &b.outStarted, f.Seq, "outbound"); err != nil {
		return err
	}

	select {
	case b.outbound <- f:
		return nil
	case <-b.closed:
		return faults.StateViolation("bus", fmt.Errorf("publish on closed bus"))
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inbound returns the caller audio consumer channel
func (b *FrameBus) Inbound() <-chan Frame {
	return b.inbound
}

// Outbound returns the agent audio consumer channel
func (b *FrameBus) Outbound() <-chan Frame {
	return b.outbound
}

// Close releases the bus. Publishes after Close fail; consumers drain what
// was already queued.
func (b *FrameBus) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
		// Consumers select on Done() rather than channel close so queued
		// frames are never received after teardown begins.
	})
}

// Done is closed when the bus has been shut down
func (b *FrameBus) Done() <-chan struct{} {
	return b.closed
}

func (b *FrameBus) checkSeq(last *uint64, started *bool, seq uint64, direction string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if *started {
		if seq <= *last {
			return faults.StateViolation("bus",
				fmt.Errorf("%s frame %d arrived after frame %d", direction, seq, *last))
		}
		if seq > *last+1 {
			b.logger.Warn("Audio frame gap detected",
				zap.String("direction", direction),
				zap.Uint64("expected", *last+1),
				zap.Uint64("got", seq),
			)
		}
	}
	*started = true
	*last = seq
	return nil
}
