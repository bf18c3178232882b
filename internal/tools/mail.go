package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"google.golang.org/api/googleapi"

	"mailbot.local/orchestrator/internal/mail"
	"mailbot.local/orchestrator/internal/model"
)

const defaultListMax = 5

// MailTools exposes the mailbox tool set over a per-user client factory.
// Transport and auth failures are mapped into the structured error taxonomy
// instead of propagating.
type MailTools struct {
	logger   *log.Logger
	factory  mail.ClientFactory
	provider string
}

func NewMailTools(logger *log.Logger, factory mail.ClientFactory, provider string) *MailTools {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if provider == "" {
		provider = "google"
	}
	return &MailTools{logger: logger, factory: factory, provider: provider}
}

func (t *MailTools) Register(registry *Registry) error {
	listSchema, err := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"max_results": map[string]any{"type": "integer", "default": defaultListMax},
		},
	})
	if err != nil {
		return fmt.Errorf("build list_emails schema: %w", err)
	}
	getSchema, err := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message_id": map[string]any{"type": "string"},
		},
		"required": []string{"message_id"},
	})
	if err != nil {
		return fmt.Errorf("build get_email schema: %w", err)
	}

	if err := registry.Register(model.ToolDefinition{
		Name:        "list_emails",
		Description: "List recent emails",
		InputSchema: listSchema,
	}, t.listEmails); err != nil {
		return err
	}
	return registry.Register(model.ToolDefinition{
		Name:        "get_email",
		Description: "Get an email by id",
		InputSchema: getSchema,
	}, t.getEmail)
}

func (t *MailTools) listEmails(ctx context.Context, args map[string]any) (Result, error) {
	client, errResult := t.clientFor(ctx, args)
	if errResult != nil {
		return *errResult, nil
	}

	summaries, err := client.ListMessages(ctx, intArg(args, "max_results", defaultListMax))
	if err != nil {
		return t.mailError(err), nil
	}

	listed := make([]map[string]any, 0, len(summaries))
	for _, summary := range summaries {
		listed = append(listed, map[string]any{
			"id":      summary.ID,
			"from":    summary.From,
			"to":      summary.To,
			"date":    summary.Date,
			"subject": summary.Subject,
		})
	}
	return DataResult(map[string]any{"messages": listed}), nil
}

func (t *MailTools) getEmail(ctx context.Context, args map[string]any) (Result, error) {
	messageID := stringArg(args, "message_id")
	if messageID == "" {
		return ErrorResult("invalid_request", "Invalid request parameters. Please list emails first."), nil
	}

	client, errResult := t.clientFor(ctx, args)
	if errResult != nil {
		return *errResult, nil
	}

	email, err := client.GetMessage(ctx, messageID)
	if err != nil {
		return t.mailError(err), nil
	}
	return DataResult(map[string]any{
		"id":      email.ID,
		"from":    email.From,
		"to":      email.To,
		"date":    email.Date,
		"subject": email.Subject,
		"body":    email.Body,
	}), nil
}

// clientFor resolves a per-user mail client. Mail access without identity is
// meaningless, so a missing user id surfaces as login_required.
func (t *MailTools) clientFor(ctx context.Context, args map[string]any) (mail.Client, *Result) {
	userID := stringArg(args, "user_id")
	if userID == "" {
		result := t.loginRequired()
		return nil, &result
	}
	client, err := t.factory(ctx, userID)
	if err != nil {
		result := t.mailError(err)
		return nil, &result
	}
	return client, nil
}

// mailError maps transport failures into the user-facing error taxonomy.
func (t *MailTools) mailError(err error) Result {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusNotFound:
			return ErrorResult("invalid_message_id", "Message id not found. Please list emails first.")
		case http.StatusBadRequest:
			return ErrorResult("invalid_request", "Invalid request parameters. Please list emails first.")
		case http.StatusUnauthorized, http.StatusForbidden:
			return t.loginRequired()
		case http.StatusTooManyRequests,
			http.StatusInternalServerError,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return ErrorResult("service_error", "Mail service error, please retry later.")
		}
	}

	if errors.Is(err, mail.ErrLoginRequired) {
		return t.loginRequired()
	}

	t.logger.Printf("unexpected mail tool error: %v", err)
	return ErrorResult("unknown_error", "Unexpected mail error.")
}

func (t *MailTools) loginRequired() Result {
	return ErrorResult("login_required", fmt.Sprintf("Please sign in to your %s account to continue.", titleCase(t.provider)))
}

func intArg(args map[string]any, key string, fallback int) int {
	switch value := args[key].(type) {
	case int:
		return value
	case int64:
		return int(value)
	case float64:
		return int(value)
	case json.Number:
		if parsed, err := value.Int64(); err == nil {
			return int(parsed)
		}
	}
	return fallback
}
