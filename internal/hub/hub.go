// Package hub fans chat events out to the SSE and websocket connections held
// by this process.
package hub

import (
	"context"
	"log/slog"
	"sync"

	"supporthub/pkg/api"

	"github.com/google/uuid"
)

const subscriberBuffer = 64

type Subscription struct {
	C <-chan api.ChatEvent

	ch        chan api.ChatEvent
	sessionId uuid.UUID // uuid.Nil subscribes to every session
}

type Hub struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]map[*Subscription]struct{}
	all      map[*Subscription]struct{}
}

func New() *Hub {
	return &Hub{
		sessions: make(map[uuid.UUID]map[*Subscription]struct{}),
		all:      make(map[*Subscription]struct{}),
	}
}

// Subscribe registers for the events of one session.
func (h *Hub) Subscribe(sessionId uuid.UUID) *Subscription {
	sub := newSubscription(sessionId)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sessions[sessionId] == nil {
		h.sessions[sessionId] = make(map[*Subscription]struct{})
	}
	h.sessions[sessionId][sub] = struct{}{}

	return sub
}

// SubscribeAll registers for the events of every session.
func (h *Hub) SubscribeAll() *Subscription {
	sub := newSubscription(uuid.Nil)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[sub] = struct{}{}

	return sub
}

func newSubscription(sessionId uuid.UUID) *Subscription {
	ch := make(chan api.ChatEvent, subscriberBuffer)
	return &Subscription{C: ch, ch: ch, sessionId: sessionId}
}

// Unsubscribe removes sub and closes its channel. It is safe to call more than
// once, and after the hub already dropped a slow subscriber.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeLocked(sub)
}

func (h *Hub) removeLocked(sub *Subscription) {
	if sub.sessionId == uuid.Nil {
		if _, ok := h.all[sub]; !ok {
			return
		}
		delete(h.all, sub)
	} else {
		subs, ok := h.sessions[sub.sessionId]
		if !ok {
			return
		}
		if _, ok := subs[sub]; !ok {
			return
		}
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.sessions, sub.sessionId)
		}
	}
	close(sub.ch)
}

// Dispatch delivers event to all matching subscribers without blocking.
// Subscribers whose buffer is full are dropped; their channel is closed so the
// connection handler can end the stream and let the client resync.
func (h *Hub) Dispatch(event api.ChatEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var slow []*Subscription

	deliver := func(sub *Subscription) {
		select {
		case sub.ch <- event:
		default:
			slow = append(slow, sub)
		}
	}

	for sub := range h.sessions[event.SessionId] {
		deliver(sub)
	}
	for sub := range h.all {
		deliver(sub)
	}

	for _, sub := range slow {
		slog.Warn("dropping slow event subscriber", "session_id", sub.sessionId, "event", event.Type)
		h.removeLocked(sub)
	}
}

// Run dispatches events from the receiver until ctx is cancelled or the
// receiver is closed.
func (h *Hub) Run(ctx context.Context, events <-chan api.ChatEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				slog.Info("event stream closed, hub stopping")
				return
			}
			h.Dispatch(event)
		}
	}
}

func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := len(h.all)
	for _, subs := range h.sessions {
		count += len(subs)
	}
	return count
}
