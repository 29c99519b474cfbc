package messaging_test

import (
	"context"
	"testing"
	"time"

	"supporthub/internal/messaging"
	"supporthub/pkg/api"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryQueue(t *testing.T) {
	queue := messaging.NewInMemoryQueue()

	event := api.ChatEvent{Type: api.EventSessionCreated, SessionId: uuid.New(), Time: time.Now().UTC()}
	require.NoError(t, queue.PublishChatEvent(context.Background(), event))

	select {
	case received := <-queue.Events():
		assert.Equal(t, event, received)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	queue.Close()
	queue.Close()

	_, ok := <-queue.Events()
	assert.False(t, ok)

	err := queue.PublishChatEvent(context.Background(), event)
	assert.ErrorIs(t, err, messaging.ErrClosed)
}

func TestInMemoryQueueRespectsContext(t *testing.T) {
	queue := messaging.NewInMemoryQueue()
	defer queue.Close()

	for i := 0; i < cap(queue.Events()); i++ {
		require.NoError(t, queue.PublishChatEvent(context.Background(), api.ChatEvent{Type: api.EventMessageCreated}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := queue.PublishChatEvent(ctx, api.ChatEvent{Type: api.EventMessageCreated})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
