package mail

import (
	"context"
	"errors"
)

// ErrLoginRequired is returned by a factory when no usable credentials are
// stored for the requesting user.
var ErrLoginRequired = errors.New("mail login required")

type Summary struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Date    string `json:"date"`
	Subject string `json:"subject"`
}

type Email struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Date    string `json:"date"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

type Client interface {
	ListMessages(ctx context.Context, maxResults int) ([]Summary, error)
	GetMessage(ctx context.Context, id string) (Email, error)
}

// ClientFactory builds a mail client scoped to one user's credentials.
type ClientFactory func(ctx context.Context, userID string) (Client, error)
