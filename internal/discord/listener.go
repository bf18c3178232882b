package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"mailbot.local/orchestrator/internal/config"
	"mailbot.local/orchestrator/internal/orchestrator"
)

const (
	discordPlatform = "discord"
	postTimeout     = 30 * time.Second

	// Discord rejects messages longer than this.
	maxMessageLen = 2000

	bannerColor = 0xED4245
)

type Listener struct {
	cfg        config.ListenerConfig
	logger     *log.Logger
	httpClient *http.Client
	messageURL string
	statusURL  string

	mu       sync.Mutex
	session  *discordgo.Session
	commands []*discordgo.ApplicationCommand
}

func NewListener(cfg config.ListenerConfig, logger *log.Logger, httpClient *http.Client) *Listener {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: postTimeout}
	}

	base := strings.TrimRight(strings.TrimSpace(cfg.OrchestratorBaseURL), "/")
	return &Listener{
		cfg:        cfg,
		logger:     logger,
		httpClient: httpClient,
		messageURL: base + "/events/message",
		statusURL:  base + "/auth/%s/status",
	}
}

func (l *Listener) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session != nil {
		return fmt.Errorf("listener already started")
	}

	s, err := discordgo.New(normalizeBotToken(l.cfg.DiscordBotToken))
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	s.AddHandler(l.handleMessage)
	s.AddHandler(l.handleInteraction)
	if err := s.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	commands, err := registerCommands(s)
	if err != nil {
		_ = s.Close()
		return fmt.Errorf("register slash commands: %w", err)
	}

	l.session = s
	l.commands = commands
	l.logger.Printf("discord listener started")
	return nil
}

func (l *Listener) Stop() error {
	l.mu.Lock()
	s := l.session
	commands := l.commands
	l.session = nil
	l.commands = nil
	l.mu.Unlock()

	if s == nil {
		return nil
	}
	for _, cmd := range commands {
		if err := s.ApplicationCommandDelete(s.State.User.ID, "", cmd.ID); err != nil {
			l.logger.Printf("failed to delete slash command %s: %v", cmd.Name, err)
		}
	}
	if err := s.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	l.logger.Printf("discord listener stopped")
	return nil
}

func registerCommands(s *discordgo.Session) ([]*discordgo.ApplicationCommand, error) {
	defs := []*discordgo.ApplicationCommand{
		{Name: "login", Description: "Connect your email account"},
		{Name: "logout", Description: "Disconnect your email account"},
		{Name: "status", Description: "Show whether your email account is connected"},
	}
	registered := make([]*discordgo.ApplicationCommand, 0, len(defs))
	for _, def := range defs {
		cmd, err := s.ApplicationCommandCreate(s.State.User.ID, "", def)
		if err != nil {
			return registered, fmt.Errorf("create command %s: %w", def.Name, err)
		}
		registered = append(registered, cmd)
	}
	return registered, nil
}

func (l *Listener) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}
	if m.Author.Bot {
		return
	}
	// Only direct messages reach the assistant.
	if m.GuildID != "" {
		return
	}
	if strings.TrimSpace(m.Content) == "" {
		return
	}

	inbound := orchestrator.IncomingMessage{
		Provider:  discordPlatform,
		ChannelID: m.ChannelID,
		UserID:    m.Author.ID,
		Content:   m.Content,
		MessageID: m.ID,
		Timestamp: m.Timestamp.UTC().Format(time.RFC3339),
	}

	ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
	defer cancel()
	reply, err := l.postMessage(ctx, inbound)
	if err != nil {
		l.logger.Printf("failed to relay message to orchestrator: %v", err)
		l.sendText(s, m.ChannelID, "Something went wrong while handling your message. Please try again.")
		return
	}

	l.deliverReply(s, m.ChannelID, reply)
}

func (l *Listener) deliverReply(s *discordgo.Session, channelID string, reply orchestrator.Reply) {
	if strings.TrimSpace(reply.Reply) != "" {
		l.sendText(s, channelID, reply.Reply)
	}

	switch {
	case reply.LoginURL != "":
		l.sendBanner(s, channelID, bannerParams{
			title:    fmt.Sprintf("Sign in to %s", titleCase(reply.Provider)),
			label:    "Sign in",
			url:      reply.LoginURL,
			footnote: "The link opens in your browser.",
		})
	case reply.LogoutURL != "":
		l.sendBanner(s, channelID, bannerParams{
			title:    fmt.Sprintf("Sign out of %s", titleCase(reply.Provider)),
			label:    "Sign out",
			url:      reply.LogoutURL,
			footnote: "The link opens in your browser.",
		})
	}
}

type bannerParams struct {
	title    string
	label    string
	url      string
	footnote string
}

func (l *Listener) sendBanner(s *discordgo.Session, channelID string, p bannerParams) {
	_, err := s.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{{
			Title:       p.title,
			Description: p.footnote,
			Color:       bannerColor,
		}},
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					discordgo.Button{
						Style: discordgo.LinkButton,
						Label: p.label,
						URL:   p.url,
					},
				},
			},
		},
	})
	if err != nil {
		l.logger.Printf("failed to send auth banner: %v", err)
	}
}

func (l *Listener) sendText(s *discordgo.Session, channelID, text string) {
	for _, chunk := range chunkText(text, maxMessageLen) {
		if _, err := s.ChannelMessageSend(channelID, chunk); err != nil {
			l.logger.Printf("failed to send discord message: %v", err)
			return
		}
	}
}

func (l *Listener) handleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i == nil || i.Interaction == nil || i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	user := interactionUser(i)
	if user == nil || user.Bot {
		return
	}

	provider := l.cfg.AuthProviders[0]
	base := strings.TrimRight(strings.TrimSpace(l.cfg.OrchestratorBaseURL), "/")

	var content string
	var components []discordgo.MessageComponent
	switch i.ApplicationCommandData().Name {
	case "login":
		content = fmt.Sprintf("Use the button below to sign in to your %s account.", titleCase(provider))
		components = linkRow("Sign in", authURL(base, provider, "login", user.ID))
	case "logout":
		content = fmt.Sprintf("Use the button below to sign out of your %s account.", titleCase(provider))
		components = linkRow("Sign out", authURL(base, provider, "logout", user.ID))
	case "status":
		content = l.statusMessage(provider, user.ID)
	default:
		return
	}

	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content:    content,
			Components: components,
			Flags:      discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		l.logger.Printf("failed to respond to interaction: %v", err)
	}
}

func (l *Listener) statusMessage(provider, userID string) string {
	ctx, cancel := context.WithTimeout(context.Background(), postTimeout)
	defer cancel()

	endpoint := fmt.Sprintf(l.statusURL, url.PathEscape(provider)) + "?user_id=" + url.QueryEscape(userID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "Could not check your sign-in status. Please try again."
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return "Could not check your sign-in status. Please try again."
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "Could not check your sign-in status. Please try again."
	}

	var payload struct {
		LoggedIn bool `json:"logged_in"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return "Could not check your sign-in status. Please try again."
	}
	if payload.LoggedIn {
		return fmt.Sprintf("You are signed in to your %s account.", titleCase(provider))
	}
	return fmt.Sprintf("You are not signed in to your %s account. Use /login to connect it.", titleCase(provider))
}

func (l *Listener) postMessage(ctx context.Context, inbound orchestrator.IncomingMessage) (orchestrator.Reply, error) {
	body, err := json.Marshal(inbound)
	if err != nil {
		return orchestrator.Reply{}, fmt.Errorf("marshal incoming message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.messageURL, bytes.NewReader(body))
	if err != nil {
		return orchestrator.Reply{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.httpClient.Do(req)
	if err != nil {
		return orchestrator.Reply{}, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if readErr != nil {
			return orchestrator.Reply{}, fmt.Errorf("orchestrator returned %s", resp.Status)
		}
		msg := strings.TrimSpace(string(respBody))
		if msg == "" {
			msg = resp.Status
		}
		return orchestrator.Reply{}, fmt.Errorf("orchestrator returned %s: %s", resp.Status, msg)
	}

	var reply orchestrator.Reply
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&reply); err != nil {
		return orchestrator.Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	return reply, nil
}

func linkRow(label, url string) []discordgo.MessageComponent {
	return []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.Button{
					Style: discordgo.LinkButton,
					Label: label,
					URL:   url,
				},
			},
		},
	}
}

func authURL(base, provider, action, userID string) string {
	return fmt.Sprintf("%s/auth/%s/%s?user_id=%s",
		base, url.PathEscape(provider), action, url.QueryEscape(userID))
}

func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.User != nil {
		return i.User
	}
	if i.Member != nil {
		return i.Member.User
	}
	return nil
}

// chunkText splits text into pieces no longer than limit, preferring to
// break on newlines and falling back to spaces, then hard cuts.
func chunkText(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if limit <= 0 {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for len(remaining) > limit {
		cut := strings.LastIndex(remaining[:limit], "\n")
		if cut <= 0 {
			cut = strings.LastIndex(remaining[:limit], " ")
		}
		if cut <= 0 {
			cut = limit
		}
		chunk := strings.TrimSpace(remaining[:cut])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = strings.TrimSpace(remaining[cut:])
	}
	if remaining != "" {
		chunks = append(chunks, remaining)
	}
	return chunks
}

func titleCase(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return value
	}
	return strings.ToUpper(value[:1]) + value[1:]
}

func normalizeBotToken(token string) string {
	token = strings.TrimSpace(token)
	if strings.HasPrefix(strings.ToLower(token), "bot ") {
		return token
	}
	return "Bot " + token
}
