package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/troikatech/voice-pipeline/internal/calllog"
	"github.com/troikatech/voice-pipeline/pkg/llm"
	"github.com/troikatech/voice-pipeline/pkg/utils"
)

// EndCallToolName is recognized by the engine as a request to hang up after
// the current reply finishes.
const EndCallToolName = "end_call"

// sample order data for the order status tool
var orderStatuses = map[string]string{
	"ORD-12345": "shipped, arriving Thursday",
	"ORD-23456": "processing, expected to ship within 2 business days",
	"ORD-34567": "delivered on Monday",
}

// NewBuiltinRegistry wires the standard tool set for a call. callerNumber
// scopes the call history lookup to the active caller.
func NewBuiltinRegistry(callLogs calllog.Store, callerNumber string, logger *zap.Logger) *Registry {
	registry := NewRegistry(logger)

	registry.Register(Tool{
		Schema: llm.ToolSchema{
			Name:        "check_order_status",
			Description: "Look up the status of a customer order by its order ID",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"order_id": {"type": "string", "description": "Order ID, for example ORD-12345"}
				},
				"required": ["order_id"]
			}`),
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			orderID, _ := args["order_id"].(string)
			orderID = strings.ToUpper(strings.TrimSpace(orderID))
			if status, ok := orderStatuses[orderID]; ok {
				return fmt.Sprintf("Order %s is %s.", orderID, status), nil
			}
			return fmt.Sprintf("No order found with ID %s.", orderID), nil
		},
	})

	registry.Register(Tool{
		Schema: llm.ToolSchema{
			Name:        "schedule_appointment",
			Description: "Schedule an appointment for the caller",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"date": {"type": "string", "description": "Requested date, for example 2026-09-03"},
					"time": {"type": "string", "description": "Requested time, for example 14:30"},
					"reason": {"type": "string", "description": "Reason for the appointment"}
				},
				"required": ["date", "time"]
			}`),
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			date, _ := args["date"].(string)
			timeOfDay, _ := args["time"].(string)
			if _, err := time.Parse("2006-01-02", date); err != nil {
				return fmt.Sprintf("The date %q is not valid, please ask the caller for a date like 2026-09-03.", date), nil
			}
			return fmt.Sprintf("Appointment confirmed for %s at %s. Confirmation number APT-%d.",
				date, timeOfDay, time.Now().Unix()%100000), nil
		},
	})

	registry.Register(Tool{
		Schema: llm.ToolSchema{
			Name:        "get_weather",
			Description: "Get the current weather for a location",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"location": {"type": "string", "description": "City name"}
				},
				"required": ["location"]
			}`),
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			location, _ := args["location"].(string)
			return fmt.Sprintf("The weather in %s is 22 degrees and partly cloudy.", location), nil
		},
	})

	registry.Register(Tool{
		Schema: llm.ToolSchema{
			Name:        "lookup_call_history",
			Description: "Look up the caller's recent calls with this service",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {}
			}`),
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			entries, err := callLogs.QueryByNumber(ctx, callerNumber, 5)
			if err != nil {
				return "", err
			}
			if len(entries) == 0 {
				return "This is the caller's first call.", nil
			}
			var lines []string
			for _, entry := range entries {
				lines = append(lines, fmt.Sprintf("%s: %s",
					entry.StartedAt.Format("Jan 2 15:04"), entry.Status))
			}
			logger.Debug("Call history lookup",
				zap.String("caller", utils.MaskPhoneNumber(callerNumber)),
				zap.Int("entries", len(entries)),
			)
			return fmt.Sprintf("The caller has %d recent calls: %s.",
				len(entries), strings.Join(lines, "; ")), nil
		},
	})

	registry.Register(Tool{
		Schema: llm.ToolSchema{
			Name:        EndCallToolName,
			Description: "End the call. Set confirm to true only after the caller has confirmed they are done.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"confirm": {"type": "boolean", "description": "true once the caller has confirmed they want to end the call"}
				},
				"required": ["confirm"]
			}`),
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			if confirm, _ := args["confirm"].(bool); !confirm {
				return "Ask the caller to confirm they are done before ending the call.", nil
			}
			return "Acknowledged, say a brief goodbye and the call will end.", nil
		},
	})

	return registry
}

// endCallConfirmed reports whether an end_call invocation carried a positive
// confirmation. Unconfirmed invocations keep the conversation open.
func endCallConfirmed(args json.RawMessage) bool {
	var p struct {
		Confirm bool `json:"confirm"`
	}
	if err := json.Unmarshal(args, &p); err != nil {
		return false
	}
	return p.Confirm
}
