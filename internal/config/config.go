package config

import (
	"fmt"
	"os"
	"strings"
)

const (
	defaultHTTPAddr = ":8080"
	defaultDBDriver = "sqlite"
	defaultDBDSN    = "orchestrator_auth.db"
	defaultModel    = "claude-sonnet-4-20250514"
	defaultScopes   = "https://mail.google.com/"
)

// Config holds the orchestrator service settings, loaded from environment
// variables the way the rest of the stack configures itself.
type Config struct {
	HTTPAddr                string
	DBDriver                string
	DBDSN                   string
	AnthropicAPIKey         string
	Model                   string
	SystemPromptFile        string
	PublicBaseURL           string
	AuthProviders           []string
	MailProvider            string
	GoogleOAuthClientID     string
	GoogleOAuthClientSecret string
	GoogleOAuthScopes       []string
	WebhookURLs             []string
}

func FromEnv() Config {
	addr := envOr("ORCH_HTTP_ADDR", defaultHTTPAddr)
	driver := envOr("ORCH_DB_DRIVER", defaultDBDriver)
	dsn := envOr("ORCH_DB_DSN", defaultDBDSN)
	model := envOr("ORCH_MODEL", defaultModel)

	providers := splitCSV(os.Getenv("AUTH_PROVIDERS"))
	if len(providers) == 0 {
		providers = []string{"google"}
	}
	scopes := splitCSV(os.Getenv("GOOGLE_OAUTH_SCOPES"))
	if len(scopes) == 0 {
		scopes = []string{defaultScopes}
	}

	return Config{
		HTTPAddr:                addr,
		DBDriver:                strings.ToLower(driver),
		DBDSN:                   dsn,
		AnthropicAPIKey:         strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY")),
		Model:                   model,
		SystemPromptFile:        strings.TrimSpace(os.Getenv("ORCH_SYSTEM_PROMPT_FILE")),
		PublicBaseURL:           strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")),
		AuthProviders:           providers,
		MailProvider:            envOr("MAIL_PROVIDER", "google"),
		GoogleOAuthClientID:     strings.TrimSpace(os.Getenv("GOOGLE_OAUTH_CLIENT_ID")),
		GoogleOAuthClientSecret: strings.TrimSpace(os.Getenv("GOOGLE_OAUTH_CLIENT_SECRET")),
		GoogleOAuthScopes:       scopes,
		WebhookURLs:             splitCSV(os.Getenv("ORCH_WEBHOOK_URLS")),
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return fmt.Errorf("ORCH_HTTP_ADDR must not be empty")
	}
	switch strings.ToLower(strings.TrimSpace(c.DBDriver)) {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("ORCH_DB_DRIVER must be sqlite or postgres")
	}
	if strings.TrimSpace(c.DBDSN) == "" {
		return fmt.Errorf("ORCH_DB_DSN must not be empty")
	}
	if c.AnthropicAPIKey == "" {
		return fmt.Errorf("ANTHROPIC_API_KEY is required")
	}
	if strings.TrimSpace(c.Model) == "" {
		return fmt.Errorf("ORCH_MODEL must not be empty")
	}
	if c.PublicBaseURL == "" {
		return fmt.Errorf("PUBLIC_BASE_URL is required")
	}
	if c.MailProvider != "google" {
		return fmt.Errorf("unsupported MAIL_PROVIDER %q", c.MailProvider)
	}
	if len(c.AuthProviders) == 0 {
		return fmt.Errorf("AUTH_PROVIDERS must not be empty")
	}
	return nil
}

// ListenerConfig holds the Discord listener settings.
type ListenerConfig struct {
	DiscordBotToken     string
	OrchestratorBaseURL string
	AuthProviders       []string
}

func ListenerFromEnv() ListenerConfig {
	providers := splitCSV(os.Getenv("AUTH_PROVIDERS"))
	if len(providers) == 0 {
		providers = []string{"google"}
	}
	return ListenerConfig{
		DiscordBotToken:     strings.TrimSpace(os.Getenv("DISCORD_BOT_TOKEN")),
		OrchestratorBaseURL: strings.TrimSpace(os.Getenv("PUBLIC_BASE_URL")),
		AuthProviders:       providers,
	}
}

func (c ListenerConfig) Validate() error {
	if c.DiscordBotToken == "" {
		return fmt.Errorf("DISCORD_BOT_TOKEN is required")
	}
	if c.OrchestratorBaseURL == "" {
		return fmt.Errorf("PUBLIC_BASE_URL is required")
	}
	if len(c.AuthProviders) == 0 {
		return fmt.Errorf("AUTH_PROVIDERS must not be empty")
	}
	return nil
}

func envOr(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if value := strings.TrimSpace(part); value != "" {
			values = append(values, value)
		}
	}
	return values
}
