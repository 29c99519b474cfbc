package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"supporthub/internal/chat"
	"supporthub/internal/hub"
	"supporthub/pkg/api"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	heartbeatInterval = 15 * time.Second

	wsPingInterval = 54 * time.Second
	wsPongWait     = 60 * time.Second
	wsWriteWait    = 10 * time.Second
)

const wsMaxMessageSize = 16 * 1024

// The widget is embedded on customer sites and agents authenticate with a
// token, so origins are not checked.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("error encoding event: %w", err)
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
	return err
}

// streamEvents forwards the subscription to the client as server sent events
// until the client goes away or the hub drops the subscription.
func streamEvents(w http.ResponseWriter, r *http.Request, sub *hub.Subscription, connected api.ChatEvent) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		slog.Error("response writer does not support flushing")
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, api.EventConnected, connected); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return

		case now := <-heartbeat.C:
			if err := writeSSE(w, api.EventHeartbeat, api.ChatEvent{Type: api.EventHeartbeat, Time: now.UTC()}); err != nil {
				return
			}
			flusher.Flush()

		case event, ok := <-sub.C:
			if !ok {
				slog.Warn("event stream dropped by hub", "session_id", connected.SessionId)
				return
			}
			if err := writeSSE(w, event.Type, event); err != nil {
				slog.Warn("error writing event stream", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

// snapshot subscribes before loading the session so no event committed after
// the load is missed. Clients drop the duplicates by message id.
func (s *ChatService) snapshot(r *http.Request) (*hub.Subscription, api.ChatEvent, error) {
	sessionId, err := URLParamUUID(r, "session_id")
	if err != nil {
		return nil, api.ChatEvent{}, err
	}

	sub := s.hub.Subscribe(sessionId)

	session, err := s.chat.GetSession(r.Context(), sessionId)
	if err != nil {
		s.hub.Unsubscribe(sub)
		return nil, api.ChatEvent{}, chatError(err)
	}

	converted := chat.ToApiSession(session)
	return sub, api.ChatEvent{
		Type:      api.EventConnected,
		SessionId: sessionId,
		Session:   &converted,
		Time:      time.Now().UTC(),
	}, nil
}

func (s *ChatService) CustomerEvents(w http.ResponseWriter, r *http.Request) {
	sub, connected, err := s.snapshot(r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer s.hub.Unsubscribe(sub)

	streamEvents(w, r, sub, connected)
}

func (s *ChatService) AgentEvents(w http.ResponseWriter, r *http.Request) {
	sub := s.hub.SubscribeAll()
	defer s.hub.Unsubscribe(sub)

	streamEvents(w, r, sub, api.ChatEvent{Type: api.EventConnected, Time: time.Now().UTC()})
}

// AgentWebSocket streams the events of one session to an agent and accepts
// messages from the agent on the same connection.
func (s *ChatService) AgentWebSocket(w http.ResponseWriter, r *http.Request) {
	agent, err := requireAgent(r)
	if err != nil {
		writeError(w, err)
		return
	}

	sub, connected, err := s.snapshot(r)
	if err != nil {
		writeError(w, err)
		return
	}
	defer s.hub.Unsubscribe(sub)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	replies := make(chan api.ChatEvent, 8)
	done := make(chan struct{})

	go func() {
		defer close(done)
		// Closing unblocks the pending read once the writer is gone.
		defer conn.Close()
		defer cancel()
		writePump(ctx, conn, sub, replies, connected)
	}()

	s.readPump(ctx, conn, connected.SessionId, agent, replies)

	cancel()
	<-done
}

func (s *ChatService) readPump(ctx context.Context, conn *websocket.Conn, sessionId uuid.UUID, agent chat.Agent, replies chan<- api.ChatEvent) {
	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var cmd api.AgentCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read error", "session_id", sessionId, "error", err)
			}
			return
		}

		reply := api.ChatEvent{SessionId: sessionId, Time: time.Now().UTC()}

		switch cmd.Type {
		case api.CommandSendMessage:
			// Successful sends come back through the hub as message.created.
			_, err := s.chat.PostAgentMessage(ctx, sessionId, agent, cmd.Content, cmd.ClientMessageId)
			if err == nil {
				continue
			}
			reply.Type, reply.Error = api.EventError, err.Error()
		default:
			reply.Type, reply.Error = api.EventError, fmt.Sprintf("unknown command type '%s'", cmd.Type)
		}

		select {
		case replies <- reply:
		case <-ctx.Done():
			return
		}
	}
}

func writePump(ctx context.Context, conn *websocket.Conn, sub *hub.Subscription, replies <-chan api.ChatEvent, connected api.ChatEvent) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	write := func(event api.ChatEvent) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(event)
	}

	if err := write(connected); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case event, ok := <-sub.C:
			if !ok {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscriber too slow"))
				return
			}
			if err := write(event); err != nil {
				return
			}

		case reply := <-replies:
			if err := write(reply); err != nil {
				return
			}

		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
