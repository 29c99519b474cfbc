package hub_test

import (
	"context"
	"testing"
	"time"

	"supporthub/internal/hub"
	"supporthub/pkg/api"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *hub.Subscription) api.ChatEvent {
	t.Helper()
	select {
	case event, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return api.ChatEvent{}
	}
}

func assertNoEvent(t *testing.T, sub *hub.Subscription) {
	t.Helper()
	select {
	case event := <-sub.C:
		t.Fatalf("unexpected event %+v", event)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestDispatchRoutesBySession(t *testing.T) {
	h := hub.New()

	sessionA, sessionB := uuid.New(), uuid.New()
	subA := h.Subscribe(sessionA)
	subB := h.Subscribe(sessionB)
	subAll := h.SubscribeAll()

	event := api.ChatEvent{Type: api.EventMessageCreated, SessionId: sessionA}
	h.Dispatch(event)

	assert.Equal(t, event, receive(t, subA))
	assert.Equal(t, event, receive(t, subAll))
	assertNoEvent(t, subB)

	assert.Equal(t, 3, h.SubscriberCount())
	h.Unsubscribe(subA)
	h.Unsubscribe(subA)
	assert.Equal(t, 2, h.SubscriberCount())

	_, ok := <-subA.C
	assert.False(t, ok)
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	h := hub.New()

	sessionId := uuid.New()
	slow := h.Subscribe(sessionId)
	other := h.Subscribe(uuid.New())

	for i := 0; i < 100; i++ {
		h.Dispatch(api.ChatEvent{Type: api.EventMessageCreated, SessionId: sessionId})
	}

	received := 0
	for range slow.C {
		received++
	}
	assert.Equal(t, 64, received)
	assert.Equal(t, 1, h.SubscriberCount())

	h.Unsubscribe(slow)
	h.Unsubscribe(other)
	assert.Equal(t, 0, h.SubscriberCount())
}

func TestRunStopsWhenSourceCloses(t *testing.T) {
	h := hub.New()
	sub := h.SubscribeAll()

	events := make(chan api.ChatEvent, 1)
	done := make(chan struct{})
	go func() {
		h.Run(context.Background(), events)
		close(done)
	}()

	events <- api.ChatEvent{Type: api.EventSessionCreated, SessionId: uuid.New()}
	assert.Equal(t, api.EventSessionCreated, receive(t, sub).Type)

	close(events)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("hub did not stop")
	}
}
