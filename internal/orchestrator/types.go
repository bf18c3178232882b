package orchestrator

// IncomingMessage is the normalized inbound event posted by channel listeners.
type IncomingMessage struct {
	Provider  string `json:"provider"`
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	Content   string `json:"content"`
	MessageID string `json:"message_id,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Reply is the outbound payload returned to a listener. A populated
// LoginURL/LogoutURL tells the listener to render an authentication
// affordance instead of (or alongside) plain text.
type Reply struct {
	Reply     string `json:"reply"`
	LoginURL  string `json:"login_url,omitempty"`
	LogoutURL string `json:"logout_url,omitempty"`
	Provider  string `json:"provider,omitempty"`
}
