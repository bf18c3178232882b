package model

import (
	"context"
	"encoding/json"
)

// ToolDefinition describes a callable tool as presented to the model.
// Definitions are registered once at startup and read-only afterward.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type CompletionRequest struct {
	Model        string
	Messages     []Message
	Tools        []ToolDefinition
	MaxTokens    int
	SystemPrompt string
}

// Provider is the chat-completion backend contract: one assistant message per
// call, possibly containing tool_use blocks. Transport failures surface as
// errors and are fatal for the current turn.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (Message, error)
}
