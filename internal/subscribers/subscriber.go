package subscribers

import (
	"context"

	"mailbot.local/orchestrator/internal/events"
)

type Subscriber interface {
	Name() string
	Handle(context.Context, events.Event) error
}
