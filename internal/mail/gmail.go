package mail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

var summaryHeaders = []string{"From", "To", "Date", "Subject"}

type GmailConfig struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// TokenLookup resolves the stored refresh token for a user. An empty token
// means the user never completed the consent flow.
type TokenLookup func(ctx context.Context, userID string) (string, error)

// NewGmailFactory returns a per-user factory over stored refresh tokens.
// Access tokens are minted and refreshed lazily by the oauth2 token source.
func NewGmailFactory(cfg GmailConfig, lookup TokenLookup) ClientFactory {
	return func(ctx context.Context, userID string) (Client, error) {
		if cfg.ClientID == "" || cfg.ClientSecret == "" {
			return nil, errors.New("gmail oauth client is not configured")
		}
		refreshToken, err := lookup(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("load refresh token: %w", err)
		}
		if refreshToken == "" {
			return nil, ErrLoginRequired
		}
		return NewGmailClient(ctx, cfg, refreshToken)
	}
}

type GmailClient struct {
	service *gmail.Service
}

func NewGmailClient(ctx context.Context, cfg GmailConfig, refreshToken string) (*GmailClient, error) {
	oauthCfg := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       cfg.Scopes,
	}
	source := oauthCfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})

	service, err := gmail.NewService(ctx, option.WithTokenSource(source))
	if err != nil {
		return nil, fmt.Errorf("build gmail service: %w", err)
	}
	return &GmailClient{service: service}, nil
}

func (c *GmailClient) ListMessages(ctx context.Context, maxResults int) ([]Summary, error) {
	if maxResults <= 0 {
		maxResults = 5
	}

	listed, err := c.service.Users.Messages.List("me").
		MaxResults(int64(maxResults)).
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("list gmail messages: %w", err)
	}

	summaries := make([]Summary, 0, len(listed.Messages))
	for _, ref := range listed.Messages {
		fetched, err := c.service.Users.Messages.Get("me", ref.Id).
			Format("metadata").
			MetadataHeaders(summaryHeaders...).
			Context(ctx).
			Do()
		if err != nil {
			return nil, fmt.Errorf("get gmail message %s: %w", ref.Id, err)
		}
		summaries = append(summaries, summaryFromMessage(fetched))
	}
	return summaries, nil
}

func (c *GmailClient) GetMessage(ctx context.Context, id string) (Email, error) {
	fetched, err := c.service.Users.Messages.Get("me", id).
		Format("full").
		Context(ctx).
		Do()
	if err != nil {
		return Email{}, fmt.Errorf("get gmail message %s: %w", id, err)
	}

	summary := summaryFromMessage(fetched)
	body := extractPlainText(fetched.Payload)
	if body == "" {
		body = fetched.Snippet
	}
	return Email{
		ID:      summary.ID,
		From:    summary.From,
		To:      summary.To,
		Date:    summary.Date,
		Subject: summary.Subject,
		Body:    body,
	}, nil
}

func summaryFromMessage(message *gmail.Message) Summary {
	summary := Summary{ID: message.Id}
	if message.Payload == nil {
		return summary
	}
	summary.From = headerValue(message.Payload.Headers, "From")
	summary.To = headerValue(message.Payload.Headers, "To")
	summary.Date = headerValue(message.Payload.Headers, "Date")
	summary.Subject = headerValue(message.Payload.Headers, "Subject")
	return summary
}

func headerValue(headers []*gmail.MessagePartHeader, name string) string {
	for _, header := range headers {
		if header != nil && strings.EqualFold(header.Name, name) {
			return header.Value
		}
	}
	return ""
}

// extractPlainText walks the MIME tree preferring text/plain parts.
func extractPlainText(part *gmail.MessagePart) string {
	if part == nil {
		return ""
	}
	if strings.HasPrefix(part.MimeType, "text/plain") && part.Body != nil && part.Body.Data != "" {
		return decodeBody(part.Body.Data)
	}
	for _, child := range part.Parts {
		if text := extractPlainText(child); text != "" {
			return text
		}
	}
	if part.Body != nil && part.Body.Data != "" && strings.HasPrefix(part.MimeType, "text/") {
		return decodeBody(part.Body.Data)
	}
	return ""
}

func decodeBody(data string) string {
	decoded, err := base64.URLEncoding.DecodeString(data)
	if err != nil {
		decoded, err = base64.RawURLEncoding.DecodeString(data)
		if err != nil {
			return ""
		}
	}
	return string(decoded)
}
