package messaging

import (
	"context"
	"sync"

	"supporthub/pkg/api"
)

// InMemoryQueue is a Publisher and Receiver for single process deployments.
type InMemoryQueue struct {
	mu     sync.RWMutex
	events chan api.ChatEvent
	closed bool
}

var (
	_ Publisher = (*InMemoryQueue)(nil)
	_ Receiver  = (*InMemoryQueue)(nil)
)

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		events: make(chan api.ChatEvent, 256),
	}
}

func (q *InMemoryQueue) PublishChatEvent(ctx context.Context, event api.ChatEvent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return ErrClosed
	}

	select {
	case q.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *InMemoryQueue) Events() <-chan api.ChatEvent {
	return q.events
}

func (q *InMemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.closed {
		q.closed = true
		close(q.events)
	}
}
