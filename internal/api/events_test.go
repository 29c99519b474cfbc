package api_test

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"supporthub/pkg/api"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sseFrame struct {
	event string
	data  api.ChatEvent
}

func readFrames(t *testing.T, body *bufio.Reader) <-chan sseFrame {
	frames := make(chan sseFrame, 16)
	go func() {
		defer close(frames)
		var frame sseFrame
		for {
			line, err := body.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				frame.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame.data); err != nil {
					t.Errorf("invalid event payload: %v", err)
					return
				}
			case line == "":
				frames <- frame
				frame = sseFrame{}
			}
		}
	}()
	return frames
}

func nextFrame(t *testing.T, frames <-chan sseFrame) sseFrame {
	select {
	case frame, ok := <-frames:
		require.True(t, ok, "event stream closed")
		return frame
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return sseFrame{}
	}
}

// waitFor skips frames until one of the given type arrives. Events published
// just before the stream opened may still be in flight.
func waitFor(t *testing.T, frames <-chan sseFrame, event string) sseFrame {
	for {
		frame := nextFrame(t, frames)
		if frame.event == event {
			return frame
		}
	}
}

// newServer closes the server in a cleanup so it runs after the streams
// opened later in the test are cancelled.
func newServer(t *testing.T, env testEnv) *httptest.Server {
	server := httptest.NewServer(env.router)
	t.Cleanup(server.Close)
	return server
}

func openStream(t *testing.T, url string) <-chan sseFrame {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { res.Body.Close() })

	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/event-stream", res.Header.Get("Content-Type"))

	return readFrames(t, bufio.NewReader(res.Body))
}

func TestCustomerEventStream(t *testing.T) {
	env := setup(t, 0)
	server := newServer(t, env)

	session := env.startChat(t)

	frames := openStream(t, server.URL+"/api/public/chat/"+session.Id.String()+"/events")

	connected := nextFrame(t, frames)
	assert.Equal(t, api.EventConnected, connected.event)
	require.NotNil(t, connected.data.Session)
	assert.Len(t, connected.data.Session.Messages, 2)

	rec := env.do(http.MethodPost, sessionPath(session.Id, "/assign"), nil, env.token(t, alice))
	require.Equal(t, http.StatusOK, rec.Code)

	status := waitFor(t, frames, api.EventSessionStatusChanged)
	require.NotNil(t, status.data.Session)
	assert.Equal(t, api.StatusActive, status.data.Session.Status)

	joined := waitFor(t, frames, api.EventMessageCreated)
	require.NotNil(t, joined.data.Message)
	assert.Equal(t, "Alice joined the chat", joined.data.Message.Content)
}

func TestCustomerEventStreamUnknownSession(t *testing.T) {
	env := setup(t, 0)
	server := newServer(t, env)

	res, err := http.Get(server.URL + "/api/public/chat/00000000-0000-0000-0000-000000000001/events")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestAgentEventStream(t *testing.T) {
	env := setup(t, 0)
	server := newServer(t, env)

	frames := openStream(t, server.URL+"/api/agent/chat-sessions/events?token="+env.token(t, alice))
	assert.Equal(t, api.EventConnected, nextFrame(t, frames).event)

	session := env.startChat(t)

	created := waitFor(t, frames, api.EventSessionCreated)
	assert.Equal(t, session.Id, created.data.SessionId)
	require.NotNil(t, created.data.Session)
	assert.Equal(t, api.StatusWaiting, created.data.Session.Status)
}

func TestAgentWebSocket(t *testing.T) {
	env := setup(t, 0)
	server := newServer(t, env)

	session := env.startChat(t)
	token := env.token(t, alice)

	rec := env.do(http.MethodPost, sessionPath(session.Id, "/assign"), nil, token)
	require.Equal(t, http.StatusOK, rec.Code)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + sessionPath(session.Id, "/ws") + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() api.ChatEvent {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var event api.ChatEvent
		require.NoError(t, conn.ReadJSON(&event))
		return event
	}
	readType := func(eventType string) api.ChatEvent {
		for {
			if event := read(); event.Type == eventType {
				return event
			}
		}
	}

	connected := read()
	assert.Equal(t, api.EventConnected, connected.Type)
	require.NotNil(t, connected.Session)
	assert.Equal(t, api.StatusActive, connected.Session.Status)

	require.NoError(t, conn.WriteJSON(api.AgentCommand{Type: api.CommandSendMessage, Content: "How can I help?", ClientMessageId: "ws-1"}))

	var created api.ChatEvent
	for created.Message == nil || created.Message.ClientMessageId != "ws-1" {
		created = readType(api.EventMessageCreated)
	}
	assert.Equal(t, "How can I help?", created.Message.Content)
	assert.Equal(t, "ws-1", created.Message.ClientMessageId)

	require.NoError(t, conn.WriteJSON(api.AgentCommand{Type: "typing"}))
	reply := readType(api.EventError)
	assert.Contains(t, reply.Error, "unknown command")
}

func TestAgentWebSocketRequiresToken(t *testing.T) {
	env := setup(t, 0)
	server := newServer(t, env)

	session := env.startChat(t)

	url := "ws" + strings.TrimPrefix(server.URL, "http") + sessionPath(session.Id, "/ws")
	_, res, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
}
