package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"mailbot.local/orchestrator/internal/dispatch"
	"mailbot.local/orchestrator/internal/events"
	"mailbot.local/orchestrator/internal/history"
	"mailbot.local/orchestrator/internal/model"
	"mailbot.local/orchestrator/internal/subscribers"
	"mailbot.local/orchestrator/internal/tools"
)

type mockProvider struct {
	responses []model.Message
	err       error
	requests  []model.CompletionRequest
}

func (m *mockProvider) Complete(_ context.Context, req model.CompletionRequest) (model.Message, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return model.Message{}, m.err
	}
	if len(m.requests) <= len(m.responses) {
		return m.responses[len(m.requests)-1], nil
	}
	return m.responses[len(m.responses)-1], nil
}

type collectorSubscriber struct {
	events chan events.Event
}

func (c *collectorSubscriber) Name() string { return "collector" }

func (c *collectorSubscriber) Handle(_ context.Context, event events.Event) error {
	c.events <- event
	return nil
}

func assistantText(text string) model.Message {
	return model.NewMessage(model.RoleAssistant, model.TextBlock(text))
}

func inbound(content string) IncomingMessage {
	return IncomingMessage{
		Provider:  "discord",
		ChannelID: "c1",
		UserID:    "u1",
		Content:   content,
	}
}

func newTestService(t *testing.T, provider model.Provider, registry *tools.Registry, store history.Store) *Service {
	t.Helper()
	if registry == nil {
		registry = tools.NewRegistry(nil)
	}
	if store == nil {
		store = history.NewMemoryStore(history.DefaultLimit)
	}
	return NewService(nil, provider, registry, store, nil, Config{
		Model:         "claude-sonnet-4-20250514",
		SystemPrompt:  "be brief",
		PublicBaseURL: "https://example.com/",
	})
}

func TestHandleMessagePlainReply(t *testing.T) {
	provider := &mockProvider{responses: []model.Message{assistantText("hi there")}}
	store := history.NewMemoryStore(history.DefaultLimit)
	svc := newTestService(t, provider, nil, store)

	reply, err := svc.HandleMessage(context.Background(), inbound("hello"))
	if err != nil {
		t.Fatalf("handle message: %v", err)
	}
	if reply.Reply != "hi there" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if reply.LoginURL != "" || reply.LogoutURL != "" {
		t.Fatalf("unexpected action urls: %+v", reply)
	}

	saved := store.Load("u1")
	if len(saved) != 2 {
		t.Fatalf("expected 2 history messages, got %d", len(saved))
	}
	if saved[0].Role != model.RoleUser || saved[0].Text() != "hello" {
		t.Fatalf("unexpected first message: %+v", saved[0])
	}
	if saved[1].Role != model.RoleAssistant || saved[1].Text() != "hi there" {
		t.Fatalf("unexpected second message: %+v", saved[1])
	}
}

func TestHandleMessageSendsHistoryAndTools(t *testing.T) {
	provider := &mockProvider{responses: []model.Message{assistantText("ok")}}
	registry := tools.NewRegistry(nil)
	if err := registry.Register(model.ToolDefinition{Name: "list_emails"}, func(_ context.Context, _ map[string]any) (tools.Result, error) {
		return tools.DataResult("nothing"), nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	store := history.NewMemoryStore(history.DefaultLimit)
	store.Save("u1", []model.Message{model.UserText("earlier"), assistantText("noted")})
	svc := newTestService(t, provider, registry, store)

	if _, err := svc.HandleMessage(context.Background(), inbound("next")); err != nil {
		t.Fatalf("handle message: %v", err)
	}

	req := provider.requests[0]
	if req.Model != "claude-sonnet-4-20250514" || req.SystemPrompt != "be brief" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if len(req.Tools) != 1 || req.Tools[0].Name != "list_emails" {
		t.Fatalf("tool catalog not forwarded: %+v", req.Tools)
	}
	if len(req.Messages) != 3 {
		t.Fatalf("expected 3 messages (history + new), got %d", len(req.Messages))
	}
	if req.Messages[2].Text() != "next" {
		t.Fatalf("new user message not last: %+v", req.Messages[2])
	}
}

func TestHandleMessageToolRoundTrip(t *testing.T) {
	provider := &mockProvider{responses: []model.Message{
		model.NewMessage(model.RoleAssistant,
			model.TextBlock("Checking your inbox."),
			model.ToolUseBlock("toolu_1", "list_emails", map[string]any{"max_results": float64(2)}),
		),
		assistantText("You have no new emails."),
	}}

	registry := tools.NewRegistry(nil)
	var seenArgs map[string]any
	if err := registry.Register(model.ToolDefinition{Name: "list_emails"}, func(_ context.Context, args map[string]any) (tools.Result, error) {
		seenArgs = args
		return tools.DataResult("empty inbox"), nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	store := history.NewMemoryStore(history.DefaultLimit)
	svc := newTestService(t, provider, registry, store)

	reply, err := svc.HandleMessage(context.Background(), inbound("any mail?"))
	if err != nil {
		t.Fatalf("handle message: %v", err)
	}
	if reply.Reply != "You have no new emails." {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	if seenArgs["user_id"] != "u1" {
		t.Fatalf("user context not injected: %+v", seenArgs)
	}
	if seenArgs["max_results"] != float64(2) {
		t.Fatalf("model args not forwarded: %+v", seenArgs)
	}

	if len(provider.requests) != 2 {
		t.Fatalf("expected 2 completions, got %d", len(provider.requests))
	}
	second := provider.requests[1].Messages
	last := second[len(second)-1]
	if last.Role != model.RoleUser {
		t.Fatalf("tool results not sent as user message: %+v", last)
	}
	if len(last.Content) != 1 || last.Content[0].Type != model.BlockToolResult {
		t.Fatalf("unexpected result blocks: %+v", last.Content)
	}
	if last.Content[0].ToolUseID != "toolu_1" || last.Content[0].Content != "empty inbox" {
		t.Fatalf("result not correlated: %+v", last.Content[0])
	}

	saved := store.Load("u1")
	for _, message := range saved {
		for _, block := range message.Content {
			if block.Type != model.BlockText {
				t.Fatalf("non-text block persisted: %+v", block)
			}
		}
	}
	if len(saved) != 3 {
		t.Fatalf("expected 3 text messages, got %d", len(saved))
	}
}

func TestHandleMessageParallelToolUsesShareOneResultMessage(t *testing.T) {
	provider := &mockProvider{responses: []model.Message{
		model.NewMessage(model.RoleAssistant,
			model.ToolUseBlock("toolu_1", "list_emails", nil),
			model.ToolUseBlock("toolu_2", "check_status", map[string]any{"provider": "google"}),
		),
		assistantText("done"),
	}}

	registry := tools.NewRegistry(nil)
	if err := registry.Register(model.ToolDefinition{Name: "list_emails"}, func(_ context.Context, _ map[string]any) (tools.Result, error) {
		return tools.DataResult("inbox"), nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register(model.ToolDefinition{Name: "check_status"}, func(_ context.Context, _ map[string]any) (tools.Result, error) {
		return tools.StatusResult("not_logged_in", "You are not signed in."), nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	svc := newTestService(t, provider, registry, nil)
	if _, err := svc.HandleMessage(context.Background(), inbound("check everything")); err != nil {
		t.Fatalf("handle message: %v", err)
	}

	second := provider.requests[1].Messages
	last := second[len(second)-1]
	if len(last.Content) != 2 {
		t.Fatalf("expected 2 result blocks, got %d", len(last.Content))
	}
	if last.Content[0].ToolUseID != "toolu_1" || last.Content[1].ToolUseID != "toolu_2" {
		t.Fatalf("results out of order: %+v", last.Content)
	}
}

func TestHandleMessageUnknownToolFeedsErrorBack(t *testing.T) {
	provider := &mockProvider{responses: []model.Message{
		model.NewMessage(model.RoleAssistant, model.ToolUseBlock("toolu_1", "delete_everything", nil)),
		assistantText("I cannot do that."),
	}}
	svc := newTestService(t, provider, nil, nil)

	reply, err := svc.HandleMessage(context.Background(), inbound("wipe my mailbox"))
	if err != nil {
		t.Fatalf("handle message: %v", err)
	}
	if reply.Reply != "I cannot do that." {
		t.Fatalf("unexpected reply: %+v", reply)
	}

	second := provider.requests[1].Messages
	last := second[len(second)-1]
	if !strings.Contains(last.Content[0].Content, "unknown_tool") {
		t.Fatalf("error result not fed back: %q", last.Content[0].Content)
	}
}

func TestHandleMessageActionShortCircuit(t *testing.T) {
	provider := &mockProvider{responses: []model.Message{
		model.NewMessage(model.RoleAssistant,
			model.TextBlock("Let's get you signed in."),
			model.ToolUseBlock("toolu_1", "request_login", map[string]any{"provider": "google"}),
			model.ToolUseBlock("toolu_2", "list_emails", nil),
		),
	}}

	registry := tools.NewRegistry(nil)
	if err := registry.Register(model.ToolDefinition{Name: "request_login"}, func(_ context.Context, _ map[string]any) (tools.Result, error) {
		return tools.ActionResult(tools.ActionLogin, "google", "Use the buttons below."), nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	executed := false
	if err := registry.Register(model.ToolDefinition{Name: "list_emails"}, func(_ context.Context, _ map[string]any) (tools.Result, error) {
		executed = true
		return tools.DataResult("inbox"), nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	store := history.NewMemoryStore(history.DefaultLimit)
	svc := newTestService(t, provider, registry, store)

	reply, err := svc.HandleMessage(context.Background(), inbound("log me in"))
	if err != nil {
		t.Fatalf("handle message: %v", err)
	}
	if reply.LoginURL != "https://example.com/auth/google/login?user_id=u1" {
		t.Fatalf("unexpected login url: %q", reply.LoginURL)
	}
	if reply.Provider != "google" {
		t.Fatalf("unexpected provider: %q", reply.Provider)
	}
	if reply.Reply != "Let's get you signed in." {
		t.Fatalf("unexpected reply text: %q", reply.Reply)
	}
	if executed {
		t.Fatal("tool after the action signal was executed")
	}
	if len(provider.requests) != 1 {
		t.Fatalf("loop continued after action: %d completions", len(provider.requests))
	}

	saved := store.Load("u1")
	if len(saved) != 2 {
		t.Fatalf("expected 2 history messages, got %d", len(saved))
	}
	if saved[1].Text() != "Let's get you signed in." {
		t.Fatalf("history does not end at the triggering assistant message: %+v", saved[1])
	}
}

func TestHandleMessageLogoutAction(t *testing.T) {
	provider := &mockProvider{responses: []model.Message{
		model.NewMessage(model.RoleAssistant,
			model.ToolUseBlock("toolu_1", "request_logout", map[string]any{"provider": "google"}),
		),
	}}
	registry := tools.NewRegistry(nil)
	if err := registry.Register(model.ToolDefinition{Name: "request_logout"}, func(_ context.Context, _ map[string]any) (tools.Result, error) {
		return tools.ActionResult(tools.ActionLogout, "google", "Use the buttons below."), nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	svc := newTestService(t, provider, registry, nil)

	reply, err := svc.HandleMessage(context.Background(), inbound("sign me out"))
	if err != nil {
		t.Fatalf("handle message: %v", err)
	}
	if reply.LogoutURL != "https://example.com/auth/google/logout?user_id=u1" {
		t.Fatalf("unexpected logout url: %q", reply.LogoutURL)
	}
	if reply.LoginURL != "" {
		t.Fatalf("unexpected login url: %q", reply.LoginURL)
	}
}

func TestHandleMessageActionURLEscapesUserID(t *testing.T) {
	provider := &mockProvider{responses: []model.Message{
		model.NewMessage(model.RoleAssistant,
			model.ToolUseBlock("toolu_1", "request_login", map[string]any{"provider": "google"}),
		),
	}}
	registry := tools.NewRegistry(nil)
	if err := registry.Register(model.ToolDefinition{Name: "request_login"}, func(_ context.Context, _ map[string]any) (tools.Result, error) {
		return tools.ActionResult(tools.ActionLogin, "google", "Use the buttons below."), nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	svc := newTestService(t, provider, registry, nil)

	msg := inbound("log me in")
	msg.UserID = "user 1&2"
	reply, err := svc.HandleMessage(context.Background(), msg)
	if err != nil {
		t.Fatalf("handle message: %v", err)
	}
	if !strings.HasSuffix(reply.LoginURL, "user_id=user+1%262") {
		t.Fatalf("user id not escaped: %q", reply.LoginURL)
	}
}

func TestHandleMessageBackendErrorLeavesHistoryUntouched(t *testing.T) {
	provider := &mockProvider{err: errors.New("upstream 500")}
	store := history.NewMemoryStore(history.DefaultLimit)
	store.Save("u1", []model.Message{model.UserText("earlier")})
	svc := newTestService(t, provider, nil, store)

	_, err := svc.HandleMessage(context.Background(), inbound("hello"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "upstream 500") {
		t.Fatalf("cause not preserved: %v", err)
	}

	saved := store.Load("u1")
	if len(saved) != 1 || saved[0].Text() != "earlier" {
		t.Fatalf("history changed on failure: %+v", saved)
	}
}

func TestHandleMessageHistoryStaysBounded(t *testing.T) {
	provider := &mockProvider{responses: []model.Message{assistantText("reply")}}
	store := history.NewMemoryStore(history.DefaultLimit)
	svc := newTestService(t, provider, nil, store)

	for i := 0; i < 8; i++ {
		provider.requests = nil
		if _, err := svc.HandleMessage(context.Background(), inbound(fmt.Sprintf("turn %d", i))); err != nil {
			t.Fatalf("turn %d: %v", i, err)
		}
	}

	saved := store.Load("u1")
	if len(saved) != history.DefaultLimit {
		t.Fatalf("expected %d messages, got %d", history.DefaultLimit, len(saved))
	}
	if saved[len(saved)-2].Text() != "turn 7" {
		t.Fatalf("newest turn missing: %+v", saved[len(saved)-2])
	}
}

func TestHandleMessageStopsAfterMaxToolRounds(t *testing.T) {
	looping := model.NewMessage(model.RoleAssistant,
		model.ToolUseBlock("toolu_1", "list_emails", nil),
	)
	provider := &mockProvider{responses: []model.Message{looping}}
	registry := tools.NewRegistry(nil)
	if err := registry.Register(model.ToolDefinition{Name: "list_emails"}, func(_ context.Context, _ map[string]any) (tools.Result, error) {
		return tools.DataResult("inbox"), nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}
	svc := newTestService(t, provider, registry, nil)

	_, err := svc.HandleMessage(context.Background(), inbound("loop forever"))
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "max tool rounds") {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(provider.requests) != maxToolRounds+1 {
		t.Fatalf("expected %d completions, got %d", maxToolRounds+1, len(provider.requests))
	}
}

func TestHandleMessageDispatchesLifecycleEvents(t *testing.T) {
	provider := &mockProvider{responses: []model.Message{assistantText("hi there")}}
	collector := &collectorSubscriber{events: make(chan events.Event, 8)}
	dispatcher := dispatch.New(nil, []subscribers.Subscriber{collector})
	registry := tools.NewRegistry(nil)
	svc := NewService(nil, provider, registry, history.NewMemoryStore(history.DefaultLimit), dispatcher, Config{
		Model:         "m",
		PublicBaseURL: "https://example.com",
	})

	if _, err := svc.HandleMessage(context.Background(), inbound("hello")); err != nil {
		t.Fatalf("handle message: %v", err)
	}

	seen := map[events.Type]events.Event{}
	for len(seen) < 2 {
		select {
		case event := <-collector.events:
			seen[event.Type] = event
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for events, saw %v", seen)
		}
	}
	received, ok := seen[events.TypeMessageReceived]
	if !ok {
		t.Fatalf("missing %s", events.TypeMessageReceived)
	}
	if received.UserID != "u1" || received.ChannelID != "c1" || received.Provider != "discord" {
		t.Fatalf("unexpected event: %+v", received)
	}
	created, ok := seen[events.TypeReplyCreated]
	if !ok {
		t.Fatalf("missing %s", events.TypeReplyCreated)
	}
	if created.Content != "hi there" {
		t.Fatalf("unexpected content: %q", created.Content)
	}
}

func TestHandleMessageDispatchesTurnFailed(t *testing.T) {
	provider := &mockProvider{err: errors.New("upstream 500")}
	collector := &collectorSubscriber{events: make(chan events.Event, 8)}
	dispatcher := dispatch.New(nil, []subscribers.Subscriber{collector})
	svc := NewService(nil, provider, tools.NewRegistry(nil), history.NewMemoryStore(history.DefaultLimit), dispatcher, Config{
		Model:         "m",
		PublicBaseURL: "https://example.com",
	})

	if _, err := svc.HandleMessage(context.Background(), inbound("hello")); err == nil {
		t.Fatal("expected error")
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case event := <-collector.events:
			if event.Type == events.TypeTurnFailed {
				if !strings.Contains(event.Error, "upstream 500") {
					t.Fatalf("unexpected error field: %q", event.Error)
				}
				return
			}
		case <-deadline:
			t.Fatal("turn.failed never dispatched")
		}
	}
}
