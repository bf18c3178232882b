package tools

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"

	"mailbot.local/orchestrator/internal/model"
)

// Handler executes one tool invocation. A returned error or a panic is
// contained at the registry boundary and surfaced as a tool_failed result.
type Handler func(ctx context.Context, args map[string]any) (Result, error)

// userContextTools names the tools that receive the requesting user's id
// injected into their arguments when the model does not supply one.
var userContextTools = map[string]struct{}{
	"list_emails":    {},
	"get_email":      {},
	"request_login":  {},
	"request_logout": {},
	"check_status":   {},
}

type Registry struct {
	logger *log.Logger

	mu       sync.RWMutex
	defs     []model.ToolDefinition
	handlers map[string]Handler
}

func NewRegistry(logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Registry{
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// Register rejects duplicate tool names; collisions are a startup-time
// programmer error, not a runtime condition.
func (r *Registry) Register(def model.ToolDefinition, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("tool %q has no handler", def.Name)
	}
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[def.Name]; exists {
		return fmt.Errorf("tool already registered: %s", def.Name)
	}
	r.defs = append(r.defs, def)
	r.handlers[def.Name] = handler
	return nil
}

// Definitions returns a defensive copy of the registered tool catalog in
// registration order.
func (r *Registry) Definitions() []model.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]model.ToolDefinition, len(r.defs))
	copy(defs, r.defs)
	return defs
}

// Run executes a named tool. It never propagates a failure to its caller:
// unknown names, handler errors, and handler panics all come back as error
// results.
func (r *Registry) Run(ctx context.Context, name string, args map[string]any, userID string) (out Result) {
	r.mu.RLock()
	handler, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		label := name
		if label == "" {
			label = "unknown"
		}
		return ErrorResult("unknown_tool", fmt.Sprintf("Unknown tool: %s", label))
	}

	payload := make(map[string]any, len(args)+1)
	for key, value := range args {
		payload[key] = value
	}
	if _, needsUser := userContextTools[name]; needsUser && userID != "" {
		if _, present := payload["user_id"]; !present {
			payload["user_id"] = userID
		}
	}

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Printf("tool panic tool=%s err=%v", name, rec)
			out = toolFailed(name, fmt.Sprintf("%v", rec))
		}
	}()

	result, err := handler(ctx, payload)
	if err != nil {
		r.logger.Printf("tool failed tool=%s err=%v", name, err)
		return toolFailed(name, err.Error())
	}
	return result
}

func toolFailed(name, message string) Result {
	result := ErrorResult("tool_failed", message)
	result.Tool = name
	return result
}
