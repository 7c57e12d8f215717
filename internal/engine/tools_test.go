package engine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/voice-pipeline/internal/calllog"
	"github.com/troikatech/voice-pipeline/pkg/faults"
	"github.com/troikatech/voice-pipeline/pkg/llm"
)

func TestDispatchUnknownTool(t *testing.T) {
	registry := NewRegistry(zap.NewNop())
	_, err := registry.Dispatch(context.Background(), llm.ToolCall{
		ID:   "call_1",
		Name: "reboot_production",
	})
	if faults.KindOf(err) != faults.KindProtocolViolation {
		t.Errorf("expected protocol violation, got %v", err)
	}
}

func TestDispatchMissingRequiredArgument(t *testing.T) {
	registry := NewBuiltinRegistry(calllog.NewMemoryStore(), "+14155550100", zap.NewNop())
	_, err := registry.Dispatch(context.Background(), llm.ToolCall{
		ID:        "call_1",
		Name:      "check_order_status",
		Arguments: json.RawMessage(`{}`),
	})
	if faults.KindOf(err) != faults.KindProtocolViolation {
		t.Errorf("expected protocol violation, got %v", err)
	}
}

func TestDispatchMalformedArguments(t *testing.T) {
	registry := NewBuiltinRegistry(calllog.NewMemoryStore(), "+14155550100", zap.NewNop())
	_, err := registry.Dispatch(context.Background(), llm.ToolCall{
		ID:        "call_1",
		Name:      "check_order_status",
		Arguments: json.RawMessage(`not json`),
	})
	if faults.KindOf(err) != faults.KindProtocolViolation {
		t.Errorf("expected protocol violation, got %v", err)
	}
}

func TestCheckOrderStatusKnownOrder(t *testing.T) {
	registry := NewBuiltinRegistry(calllog.NewMemoryStore(), "+14155550100", zap.NewNop())
	result, err := registry.Dispatch(context.Background(), llm.ToolCall{
		ID:        "call_1",
		Name:      "check_order_status",
		Arguments: json.RawMessage(`{"order_id": "ord-12345"}`),
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !strings.Contains(result, "shipped") {
		t.Errorf("unexpected result %q", result)
	}
}

func TestCheckOrderStatusUnknownOrder(t *testing.T) {
	registry := NewBuiltinRegistry(calllog.NewMemoryStore(), "+14155550100", zap.NewNop())
	result, err := registry.Dispatch(context.Background(), llm.ToolCall{
		ID:        "call_1",
		Name:      "check_order_status",
		Arguments: json.RawMessage(`{"order_id": "ORD-99999"}`),
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !strings.Contains(result, "No order found") {
		t.Errorf("unexpected result %q", result)
	}
}

func TestLookupCallHistory(t *testing.T) {
	logs := calllog.NewMemoryStore()
	if err := logs.Create(context.Background(), &calllog.Entry{
		CallID:       "CA1",
		CallerNumber: "+14155550100",
		Status:       calllog.StatusCompleted,
		StartedAt:    time.Now().Add(-time.Hour),
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	registry := NewBuiltinRegistry(logs, "+14155550100", zap.NewNop())
	result, err := registry.Dispatch(context.Background(), llm.ToolCall{
		ID:        "call_1",
		Name:      "lookup_call_history",
		Arguments: json.RawMessage(`{}`),
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !strings.Contains(result, "1 recent call") {
		t.Errorf("unexpected result %q", result)
	}
}

func TestScheduleAppointmentRejectsBadDate(t *testing.T) {
	registry := NewBuiltinRegistry(calllog.NewMemoryStore(), "+14155550100", zap.NewNop())
	result, err := registry.Dispatch(context.Background(), llm.ToolCall{
		ID:        "call_1",
		Name:      "schedule_appointment",
		Arguments: json.RawMessage(`{"date": "tomorrow", "time": "14:30"}`),
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !strings.Contains(result, "not valid") {
		t.Errorf("unexpected result %q", result)
	}
}
