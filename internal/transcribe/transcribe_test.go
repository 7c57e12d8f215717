package transcribe

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/voice-pipeline/internal/pipeline"
	"github.com/troikatech/voice-pipeline/pkg/faults"
	"github.com/troikatech/voice-pipeline/pkg/stt"
)

type mockTranscriber struct {
	results []func() (*stt.Result, error)
	calls   int
}

func (m *mockTranscriber) Transcribe(ctx context.Context, pcm []byte, sampleRate int) (*stt.Result, error) {
	if m.calls >= len(m.results) {
		return nil, fmt.Errorf("unexpected call %d", m.calls)
	}
	fn := m.results[m.calls]
	m.calls++
	return fn()
}

func (m *mockTranscriber) IsAvailable() bool { return true }

func speechFrame(seq uint64) pipeline.Frame {
	return pipeline.Frame{Seq: seq, PCM: make([]byte, 640), Timestamp: time.Now()}
}

func TestFinalizeReturnsUtterance(t *testing.T) {
	mock := &mockTranscriber{results: []func() (*stt.Result, error){
		func() (*stt.Result, error) {
			return &stt.Result{Text: "check my order status", Confidence: 0.92}, nil
		},
	}}
	stage := NewStage(Config{SampleRate: 16000, MinConfidence: 0.4}, mock, zap.NewNop())

	start := time.Now()
	stage.Open(start)
	for i := uint64(1); i <= 5; i++ {
		if err := stage.Append(speechFrame(i)); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	utt, err := stage.Finalize(context.Background(), start.Add(time.Second))
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if utt.Text != "check my order status" {
		t.Errorf("unexpected text %q", utt.Text)
	}
	if utt.Confidence != 0.92 {
		t.Errorf("unexpected confidence %v", utt.Confidence)
	}
	if !utt.Start.Equal(start) {
		t.Error("start time not preserved")
	}
}

func TestFinalizeRetriesTransientOnce(t *testing.T) {
	mock := &mockTranscriber{results: []func() (*stt.Result, error){
		func() (*stt.Result, error) {
			return nil, faults.Transient("stt", fmt.Errorf("gateway timeout"))
		},
		func() (*stt.Result, error) {
			return &stt.Result{Text: "hello", Confidence: 0.9}, nil
		},
	}}
	stage := NewStage(Config{}, mock, zap.NewNop())

	stage.Open(time.Now())
	if err := stage.Append(speechFrame(1)); err != nil {
		t.Fatalf("append: %v", err)
	}

	utt, err := stage.Finalize(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if utt.Text != "hello" {
		t.Errorf("unexpected text %q", utt.Text)
	}
	if mock.calls != 2 {
		t.Errorf("expected 2 transcribe calls, got %d", mock.calls)
	}
}

func TestFinalizeDoesNotRetryRejection(t *testing.T) {
	mock := &mockTranscriber{results: []func() (*stt.Result, error){
		func() (*stt.Result, error) {
			return nil, faults.Rejection("stt", fmt.Errorf("invalid api key"))
		},
		func() (*stt.Result, error) {
			return &stt.Result{Text: "should not be reached"}, nil
		},
	}}
	stage := NewStage(Config{}, mock, zap.NewNop())

	stage.Open(time.Now())
	if err := stage.Append(speechFrame(1)); err != nil {
		t.Fatalf("append: %v", err)
	}

	_, err := stage.Finalize(context.Background(), time.Now())
	if err == nil {
		t.Fatal("expected error")
	}
	if faults.KindOf(err) != faults.KindRejection {
		t.Errorf("expected rejection fault, got %v", err)
	}
	if mock.calls != 1 {
		t.Errorf("rejection should not be retried, got %d calls", mock.calls)
	}
}

func TestFinalizeLowConfidenceIsNoSpeech(t *testing.T) {
	mock := &mockTranscriber{results: []func() (*stt.Result, error){
		func() (*stt.Result, error) {
			return &stt.Result{Text: "mumble", Confidence: 0.1}, nil
		},
	}}
	stage := NewStage(Config{MinConfidence: 0.4}, mock, zap.NewNop())

	stage.Open(time.Now())
	if err := stage.Append(speechFrame(1)); err != nil {
		t.Fatalf("append: %v", err)
	}

	_, err := stage.Finalize(context.Background(), time.Now())
	if !errors.Is(err, ErrNoSpeech) {
		t.Errorf("expected ErrNoSpeech for low confidence, got %v", err)
	}
}

func TestFinalizeEmptyBufferIsNoSpeech(t *testing.T) {
	stage := NewStage(Config{}, &mockTranscriber{}, zap.NewNop())
	stage.Open(time.Now())

	_, err := stage.Finalize(context.Background(), time.Now())
	if !errors.Is(err, ErrNoSpeech) {
		t.Errorf("expected ErrNoSpeech, got %v", err)
	}
}

func TestAppendWithoutOpenFails(t *testing.T) {
	stage := NewStage(Config{}, &mockTranscriber{}, zap.NewNop())
	err := stage.Append(speechFrame(1))
	if faults.KindOf(err) != faults.KindStateViolation {
		t.Errorf("expected state violation, got %v", err)
	}
}
