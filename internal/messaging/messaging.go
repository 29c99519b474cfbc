package messaging

import (
	"context"
	"time"

	"supporthub/pkg/api"
)

const (
	ChatEventsExchange = "chat_events"
	RetryDelay         = 5 * time.Second
	MaxConnectRetry    = 5
)

// Publisher delivers chat events to every running API instance, including the
// one that published them.
type Publisher interface {
	PublishChatEvent(ctx context.Context, event api.ChatEvent) error

	Close()
}

type Receiver interface {
	Events() <-chan api.ChatEvent

	Close()
}
