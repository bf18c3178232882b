package events

import (
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeMessageReceived Type = "message.received"
	TypeReplyCreated    Type = "reply.created"
	TypeActionIssued    Type = "action.issued"
	TypeTurnFailed      Type = "turn.failed"
)

// Event is one turn-lifecycle notification fanned out to subscribers.
type Event struct {
	ID         string    `json:"id"`
	Type       Type      `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	UserID     string    `json:"user_id"`
	ChannelID  string    `json:"channel_id,omitempty"`
	Provider   string    `json:"provider,omitempty"`
	Action     string    `json:"action,omitempty"`
	Content    string    `json:"content,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func New(eventType Type, userID string) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		UserID:     userID,
	}
}
