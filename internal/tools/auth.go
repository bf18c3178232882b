package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"mailbot.local/orchestrator/internal/model"
)

// StatusChecker reports whether a valid token is stored for a user/provider
// pair. Lookup failures are treated as "unknown", not as tool failures.
type StatusChecker interface {
	HasToken(ctx context.Context, userID, provider string) (bool, error)
}

// AuthTools exposes the sign-in/sign-out tool set. Handlers only ever return
// structured results; the login/logout URLs themselves are built by the
// conversation loop from the action signals.
type AuthTools struct {
	status    StatusChecker
	providers []string
}

func NewAuthTools(status StatusChecker, providers []string) *AuthTools {
	cleaned := make([]string, 0, len(providers))
	for _, provider := range providers {
		if trimmed := strings.TrimSpace(provider); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	if len(cleaned) == 0 {
		cleaned = []string{"google"}
	}
	return &AuthTools{status: status, providers: cleaned}
}

func (t *AuthTools) Register(registry *Registry) error {
	schema, err := t.providerSchema()
	if err != nil {
		return fmt.Errorf("build auth tool schema: %w", err)
	}

	definitions := []struct {
		def     model.ToolDefinition
		handler Handler
	}{
		{
			def: model.ToolDefinition{
				Name:        "check_status",
				Description: "Use when the user asks whether they are signed in or signed out.",
				InputSchema: schema,
			},
			handler: t.checkStatus,
		},
		{
			def: model.ToolDefinition{
				Name:        "request_login",
				Description: "Use only when the user explicitly asks to sign in or connect an account.",
				InputSchema: schema,
			},
			handler: t.requestLogin,
		},
		{
			def: model.ToolDefinition{
				Name:        "request_logout",
				Description: "Use when the user wants to sign out or revoke access.",
				InputSchema: schema,
			},
			handler: t.requestLogout,
		},
	}

	for _, tool := range definitions {
		if err := registry.Register(tool.def, tool.handler); err != nil {
			return err
		}
	}
	return nil
}

func (t *AuthTools) providerSchema() (json.RawMessage, error) {
	return json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"provider": map[string]any{
				"type": "string",
				"enum": t.providers,
			},
		},
		"additionalProperties": false,
	})
}

func (t *AuthTools) checkStatus(ctx context.Context, args map[string]any) (Result, error) {
	provider, errResult := t.validateProvider(args)
	if errResult != nil {
		return *errResult, nil
	}

	loggedIn, known := t.loggedIn(ctx, stringArg(args, "user_id"), provider)
	name := titleCase(provider)
	if known && loggedIn {
		return StatusResult("already_logged_in", fmt.Sprintf("You are already signed in to your %s account.", name)), nil
	}
	return StatusResult("not_logged_in", fmt.Sprintf("You are not signed in to your %s account.", name)), nil
}

func (t *AuthTools) requestLogin(ctx context.Context, args map[string]any) (Result, error) {
	provider, errResult := t.validateProvider(args)
	if errResult != nil {
		return *errResult, nil
	}

	loggedIn, known := t.loggedIn(ctx, stringArg(args, "user_id"), provider)
	name := titleCase(provider)
	if known && loggedIn {
		return StatusResult("already_logged_in", fmt.Sprintf("You are already signed into your %s account.", name)), nil
	}
	return ActionResult(ActionLogin, provider, fmt.Sprintf("Use the buttons below to sign in to your %s account.", name)), nil
}

func (t *AuthTools) requestLogout(ctx context.Context, args map[string]any) (Result, error) {
	provider, errResult := t.validateProvider(args)
	if errResult != nil {
		return *errResult, nil
	}

	loggedIn, known := t.loggedIn(ctx, stringArg(args, "user_id"), provider)
	name := titleCase(provider)
	if known && !loggedIn {
		return StatusResult("not_logged_in", fmt.Sprintf("You are not signed in to your %s account.", name)), nil
	}
	return ActionResult(ActionLogout, provider, fmt.Sprintf("Use the buttons below to sign out of your %s account.", name)), nil
}

func (t *AuthTools) validateProvider(args map[string]any) (string, *Result) {
	provider := stringArg(args, "provider")
	if provider == "" {
		result := ErrorResult("missing_provider", "Auth provider is not configured.")
		return "", &result
	}
	for _, supported := range t.providers {
		if provider == supported {
			return provider, nil
		}
	}
	result := ErrorResult("unsupported_provider", "Unsupported provider.")
	return "", &result
}

// loggedIn returns the stored status plus whether the lookup succeeded. A
// missing user id or a storage error leaves the status unknown.
func (t *AuthTools) loggedIn(ctx context.Context, userID, provider string) (bool, bool) {
	if userID == "" || t.status == nil {
		return false, false
	}
	has, err := t.status.HasToken(ctx, userID, provider)
	if err != nil {
		return false, false
	}
	return has, true
}

func stringArg(args map[string]any, key string) string {
	value, _ := args[key].(string)
	return strings.TrimSpace(value)
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	runes[0] = unicode.ToUpper(runes[0])
	return string(runes)
}
