package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mailbot.local/orchestrator/internal/authstore"
	"mailbot.local/orchestrator/internal/config"
	"mailbot.local/orchestrator/internal/dispatch"
	"mailbot.local/orchestrator/internal/history"
	"mailbot.local/orchestrator/internal/httpapi"
	"mailbot.local/orchestrator/internal/mail"
	"mailbot.local/orchestrator/internal/model"
	"mailbot.local/orchestrator/internal/orchestrator"
	"mailbot.local/orchestrator/internal/subscribers"
	logging "mailbot.local/orchestrator/internal/subscribers/logging"
	"mailbot.local/orchestrator/internal/subscribers/webhook"
	"mailbot.local/orchestrator/internal/subscribers/wshub"
	"mailbot.local/orchestrator/internal/tools"
)

const defaultSystemPrompt = "You are a helpful email assistant. You can list and read the user's " +
	"emails and help them sign in or out of their email account. Keep replies concise."

func main() {
	logger := log.New(os.Stdout, "orchestrator ", log.Ldate|log.Ltime|log.Lmicroseconds|log.LUTC)
	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		logger.Fatalf("invalid config: %v", err)
	}

	systemPrompt := defaultSystemPrompt
	if cfg.SystemPromptFile != "" {
		raw, err := os.ReadFile(cfg.SystemPromptFile)
		if err != nil {
			logger.Fatalf("read system prompt file: %v", err)
		}
		systemPrompt = strings.TrimSpace(string(raw))
	}

	store, err := authstore.NewStore(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		logger.Fatalf("failed to initialize auth store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Printf("auth store close error: %v", err)
		}
	}()

	hub := wshub.New(logger)
	defer hub.Close()
	subs := []subscribers.Subscriber{logging.New(logger), hub}
	for idx, webhookURL := range cfg.WebhookURLs {
		subs = append(subs, webhook.New(webhookSubscriberName(idx, webhookURL), webhookURL, logger))
	}
	dispatcher := dispatch.New(logger, subs)

	provider := model.NewAnthropicProvider(cfg.AnthropicAPIKey)

	registry := tools.NewRegistry(logger)
	authTools := tools.NewAuthTools(store, cfg.AuthProviders)
	if err := authTools.Register(registry); err != nil {
		logger.Fatalf("register auth tools: %v", err)
	}
	gmailFactory := mail.NewGmailFactory(mail.GmailConfig{
		ClientID:     cfg.GoogleOAuthClientID,
		ClientSecret: cfg.GoogleOAuthClientSecret,
		Scopes:       cfg.GoogleOAuthScopes,
	}, func(ctx context.Context, userID string) (string, error) {
		record, err := store.Token(ctx, userID, cfg.MailProvider)
		if err != nil {
			if errors.Is(err, authstore.ErrTokenNotFound) {
				return "", nil
			}
			return "", err
		}
		return record.RefreshToken, nil
	})
	mailTools := tools.NewMailTools(logger, gmailFactory, cfg.MailProvider)
	if err := mailTools.Register(registry); err != nil {
		logger.Fatalf("register mail tools: %v", err)
	}

	service := orchestrator.NewService(logger, provider, registry, history.NewMemoryStore(history.DefaultLimit), dispatcher, orchestrator.Config{
		Model:         cfg.Model,
		SystemPrompt:  systemPrompt,
		PublicBaseURL: cfg.PublicBaseURL,
	})

	authRoutes := httpapi.NewAuthRoutes(logger, store, httpapi.AuthConfig{
		ClientID:      cfg.GoogleOAuthClientID,
		ClientSecret:  cfg.GoogleOAuthClientSecret,
		Scopes:        cfg.GoogleOAuthScopes,
		PublicBaseURL: cfg.PublicBaseURL,
	})
	srv := httpapi.NewServer(logger, cfg.HTTPAddr, service, authRoutes, hub)

	go func() {
		logger.Printf("listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server crashed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Printf("server shutdown error: %v", err)
	}
}

func webhookSubscriberName(index int, webhookURL string) string {
	parsed, err := url.Parse(webhookURL)
	if err == nil {
		host := strings.TrimSpace(parsed.Host)
		if host != "" {
			return host
		}
	}
	return fmt.Sprintf("webhook-%d", index+1)
}
