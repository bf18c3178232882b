package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"strings"

	"mailbot.local/orchestrator/internal/dispatch"
	"mailbot.local/orchestrator/internal/events"
	"mailbot.local/orchestrator/internal/history"
	"mailbot.local/orchestrator/internal/model"
	"mailbot.local/orchestrator/internal/tools"
)

const (
	defaultMaxTokens = 4096
	maxToolRounds    = 10
)

type Config struct {
	Model         string
	SystemPrompt  string
	PublicBaseURL string
	MaxTokens     int
}

// Service drives one inbound message through the model/tool round-trip cycle
// until a terminal reply or an action short-circuit is produced.
type Service struct {
	logger     *log.Logger
	provider   model.Provider
	registry   *tools.Registry
	history    history.Store
	dispatcher *dispatch.Dispatcher

	modelName     string
	systemPrompt  string
	publicBaseURL string
	maxTokens     int
}

func NewService(logger *log.Logger, provider model.Provider, registry *tools.Registry, store history.Store, dispatcher *dispatch.Dispatcher, cfg Config) *Service {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Service{
		logger:        logger,
		provider:      provider,
		registry:      registry,
		history:       store,
		dispatcher:    dispatcher,
		modelName:     cfg.Model,
		systemPrompt:  strings.TrimSpace(cfg.SystemPrompt),
		publicBaseURL: strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/"),
		maxTokens:     maxTokens,
	}
}

// HandleMessage runs one full turn. On a backend failure the error propagates
// and stored history is left exactly as it was before the turn.
func (s *Service) HandleMessage(ctx context.Context, inbound IncomingMessage) (Reply, error) {
	s.logger.Printf("user message user_id=%s channel_id=%s", inbound.UserID, inbound.ChannelID)
	s.dispatchEvent(ctx, events.TypeMessageReceived, inbound, "", "", "")

	messages := s.history.Load(inbound.UserID)
	messages = append(messages, model.UserText(inbound.Content))

	toolDefs := s.registry.Definitions()

	rounds := 0
	for {
		assistant, err := s.provider.Complete(ctx, model.CompletionRequest{
			Model:        s.modelName,
			Messages:     messages,
			Tools:        toolDefs,
			MaxTokens:    s.maxTokens,
			SystemPrompt: s.systemPrompt,
		})
		if err != nil {
			s.dispatchEvent(ctx, events.TypeTurnFailed, inbound, "", "", err.Error())
			return Reply{}, fmt.Errorf("complete user turn: %w", err)
		}
		messages = append(messages, assistant)
		s.logger.Printf("assistant message user_id=%s text_len=%d tool_uses=%d", inbound.UserID, len(assistant.Text()), len(assistant.ToolUses()))

		toolUses := assistant.ToolUses()
		if len(toolUses) == 0 {
			reply := assistant.Text()
			s.history.Save(inbound.UserID, textOnly(messages))
			s.dispatchEvent(ctx, events.TypeReplyCreated, inbound, "", reply, "")
			return Reply{Reply: reply}, nil
		}

		if rounds >= maxToolRounds {
			err := fmt.Errorf("exceeded max tool rounds (%d)", maxToolRounds)
			s.dispatchEvent(ctx, events.TypeTurnFailed, inbound, "", "", err.Error())
			return Reply{}, err
		}

		results := make([]model.ContentBlock, 0, len(toolUses))
		for _, use := range toolUses {
			result := s.registry.Run(ctx, use.Name, use.Input, inbound.UserID)
			s.logger.Printf("tool result tool=%s tool_use_id=%s kind=%s", use.Name, use.ID, result.Kind)

			if result.Kind == tools.KindAction && result.Provider != "" {
				if reply, ok := s.actionReply(ctx, inbound, messages, assistant, result); ok {
					return reply, nil
				}
			}
			results = append(results, model.ToolResultBlock(use.ID, result.Text()))
		}

		messages = append(messages, model.NewMessage(model.RoleUser, results...))
		rounds++
	}
}

// actionReply turns a login/logout action signal into an immediate reply,
// persisting history through the assistant message that triggered it.
// Remaining tool_use blocks in the same reply are never executed.
func (s *Service) actionReply(ctx context.Context, inbound IncomingMessage, messages []model.Message, assistant model.Message, result tools.Result) (Reply, bool) {
	var reply Reply
	switch result.Code {
	case tools.ActionLogin:
		reply = Reply{
			Reply:    assistant.Text(),
			LoginURL: s.authURL("login", inbound.UserID, result.Provider),
			Provider: result.Provider,
		}
	case tools.ActionLogout:
		reply = Reply{
			Reply:     assistant.Text(),
			LogoutURL: s.authURL("logout", inbound.UserID, result.Provider),
			Provider:  result.Provider,
		}
	default:
		return Reply{}, false
	}

	// The working message list ends with the triggering assistant message;
	// accumulated tool results are discarded along with any remaining blocks.
	s.history.Save(inbound.UserID, textOnly(messages))
	s.dispatchEvent(ctx, events.TypeActionIssued, inbound, result.Code, reply.Reply, "")
	return reply, true
}

func (s *Service) authURL(action, userID, provider string) string {
	return fmt.Sprintf("%s/auth/%s/%s?user_id=%s", s.publicBaseURL, provider, action, url.QueryEscape(userID))
}

func (s *Service) dispatchEvent(ctx context.Context, eventType events.Type, inbound IncomingMessage, action, content, failure string) {
	if s.dispatcher == nil {
		return
	}
	event := events.New(eventType, inbound.UserID)
	event.ChannelID = inbound.ChannelID
	event.Provider = inbound.Provider
	event.Action = action
	event.Content = content
	event.Error = failure
	s.dispatcher.Dispatch(ctx, event)
}

// textOnly applies the history persistence rule: keep only messages with at
// least one non-empty text block, rebuilt from their text blocks alone.
func textOnly(messages []model.Message) []model.Message {
	kept := make([]model.Message, 0, len(messages))
	for _, message := range messages {
		blocks := message.TextBlocks()
		if len(blocks) == 0 {
			continue
		}
		kept = append(kept, model.NewMessage(message.Role, blocks...))
	}
	return kept
}
