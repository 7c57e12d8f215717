package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/troikatech/voice-pipeline/pkg/faults"
	"github.com/troikatech/voice-pipeline/pkg/llm"
	"github.com/troikatech/voice-pipeline/pkg/metrics"
)

// Handler executes one tool invocation and returns the result text fed back
// to the model.
type Handler func(ctx context.Context, args map[string]interface{}) (string, error)

// Tool pairs a model-facing schema with its handler
type Tool struct {
	Schema  llm.ToolSchema
	Handler Handler
}

// Registry holds the tools exposed to the model for a call
type Registry struct {
	tools  map[string]Tool
	logger *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{tools: make(map[string]Tool), logger: logger}
}

func (r *Registry) Register(tool Tool) {
	r.tools[tool.Schema.Name] = tool
}

// Schemas returns the tool definitions sent with each model request
func (r *Registry) Schemas() []llm.ToolSchema {
	schemas := make([]llm.ToolSchema, 0, len(r.tools))
	for _, tool := range r.tools {
		schemas = append(schemas, tool.Schema)
	}
	return schemas
}

// Dispatch validates and executes one tool call. Unknown tools and missing
// required arguments are protocol violations; handler failures are returned
// so the caller can surface them to the model as an error result.
func (r *Registry) Dispatch(ctx context.Context, call llm.ToolCall) (string, error) {
	tool, ok := r.tools[call.Name]
	if !ok {
		return "", faults.ProtocolViolation("tools", fmt.Errorf("unknown tool %q", call.Name))
	}

	args := make(map[string]interface{})
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return "", faults.ProtocolViolation("tools", fmt.Errorf("malformed arguments for %q: %w", call.Name, err))
		}
	}

	if err := validateRequired(tool.Schema, args); err != nil {
		return "", err
	}

	r.logger.Debug("Dispatching tool call",
		zap.String("tool", call.Name),
		zap.String("call_id", call.ID),
	)
	metrics.RecordToolCall()

	return tool.Handler(ctx, args)
}

// validateRequired checks the schema's required list against the arguments
func validateRequired(schema llm.ToolSchema, args map[string]interface{}) error {
	if len(schema.Parameters) == 0 {
		return nil
	}

	var params struct {
		Required []string `json:"required"`
	}
	if err := json.Unmarshal(schema.Parameters, &params); err != nil {
		return nil
	}

	for _, field := range params.Required {
		if _, ok := args[field]; !ok {
			return faults.ProtocolViolation("tools",
				fmt.Errorf("tool %q missing required argument %q", schema.Name, field))
		}
	}
	return nil
}
