package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"supporthub/pkg/api"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// AgentConsole is the agent side of the api. Every call is authenticated with
// the agent's bearer token.
type AgentConsole struct {
	rest   *resty.Client
	stream *http.Client
	dialer *websocket.Dialer
	token  string
}

func NewAgentConsole(baseURL, token string, opts ...Option) (*AgentConsole, error) {
	if u, err := url.Parse(baseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: base url '%s' must be an http(s) url", ErrValidation, baseURL)
	}
	if token == "" {
		return nil, fmt.Errorf("%w: agent token is required", ErrUnauthorized)
	}

	s := settings{}
	for _, opt := range opts {
		opt(&s)
	}
	stream := http.DefaultClient
	if s.httpClient != nil {
		stream = &http.Client{Transport: s.httpClient.Transport}
	}

	return &AgentConsole{
		rest:   newRestClient(baseURL, opts).SetAuthToken(token),
		stream: stream,
		dialer: &websocket.Dialer{HandshakeTimeout: defaultRequestTimeout},
		token:  token,
	}, nil
}

func sessionPath(sessionId uuid.UUID, suffix string) string {
	return "/api/agent/chat-sessions/" + sessionId.String() + suffix
}

// ListSessions returns the sessions newest first. An empty status lists all.
func (c *AgentConsole) ListSessions(ctx context.Context, status string) ([]api.ChatSession, error) {
	req := c.rest.R()
	if status != "" {
		req.SetQueryParam("status", status)
	}
	return do[[]api.ChatSession](ctx, req, http.MethodGet, "/api/agent/chat-sessions")
}

func (c *AgentConsole) GetSession(ctx context.Context, sessionId uuid.UUID) (api.ChatSession, error) {
	return do[api.ChatSession](ctx, c.rest.R(), http.MethodGet, sessionPath(sessionId, ""))
}

func (c *AgentConsole) Assign(ctx context.Context, sessionId uuid.UUID) (api.ChatSession, error) {
	return do[api.ChatSession](ctx, c.rest.R(), http.MethodPost, sessionPath(sessionId, "/assign"))
}

func (c *AgentConsole) End(ctx context.Context, sessionId uuid.UUID) (api.ChatSession, error) {
	return do[api.ChatSession](ctx, c.rest.R(), http.MethodPost, sessionPath(sessionId, "/end"))
}

// SendMessage tags the message with a fresh correlation id, so retrying the
// same call by hand can produce a second message. Use SendMessageWithId to
// retry safely.
func (c *AgentConsole) SendMessage(ctx context.Context, sessionId uuid.UUID, content string) (api.ChatMessage, error) {
	return c.SendMessageWithId(ctx, sessionId, content, uuid.NewString())
}

func (c *AgentConsole) SendMessageWithId(ctx context.Context, sessionId uuid.UUID, content, clientMessageId string) (api.ChatMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return api.ChatMessage{}, fmt.Errorf("%w: message content is required", ErrValidation)
	}

	return do[api.ChatMessage](ctx, c.rest.R().SetBody(api.SendAgentMessageRequest{
		Content:         content,
		ClientMessageId: clientMessageId,
	}), http.MethodPost, sessionPath(sessionId, "/messages"))
}

// Events follows the stream of events across all sessions until ctx is done
// or handle returns false.
func (c *AgentConsole) Events(ctx context.Context, handle func(api.ChatEvent) bool) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	body, err := openStream(ctx, c.stream, c.rest.BaseURL+"/api/agent/chat-sessions/events", header)
	if err != nil {
		return err
	}
	defer body.Close()

	err = readEvents(body, handle)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// SessionConn is a live WebSocket to one session.
type SessionConn struct {
	conn   *websocket.Conn
	events chan api.ChatEvent
	done   chan struct{}
	once   sync.Once

	writeMu sync.Mutex
	err     error
}

// Connect opens the session WebSocket. The first event is a connected event
// with a snapshot of the session.
func (c *AgentConsole) Connect(ctx context.Context, sessionId uuid.UUID) (*SessionConn, error) {
	u, err := url.Parse(c.rest.BaseURL + sessionPath(sessionId, "/ws"))
	if err != nil {
		return nil, fmt.Errorf("invalid websocket url: %w", err)
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.token)

	conn, res, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if res != nil {
			return nil, streamStatusError(res.StatusCode, err.Error())
		}
		return nil, fmt.Errorf("error opening session websocket: %w", err)
	}

	sc := &SessionConn{conn: conn, events: make(chan api.ChatEvent, 64), done: make(chan struct{})}
	go sc.read()

	return sc, nil
}

func (sc *SessionConn) read() {
	defer close(sc.events)
	for {
		var event api.ChatEvent
		if err := sc.conn.ReadJSON(&event); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) && !errors.Is(err, net.ErrClosed) {
				sc.err = err
			}
			return
		}
		select {
		case sc.events <- event:
		case <-sc.done:
			return
		}
	}
}

// Events is closed when the connection ends. Err reports why afterwards.
func (sc *SessionConn) Events() <-chan api.ChatEvent {
	return sc.events
}

func (sc *SessionConn) Err() error {
	return sc.err
}

// Send posts a message over the socket. The confirmation arrives as a
// message.created event, a rejection as an error event.
func (sc *SessionConn) Send(content, clientMessageId string) error {
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()

	_ = sc.conn.SetWriteDeadline(time.Now().Add(defaultRequestTimeout))
	return sc.conn.WriteJSON(api.AgentCommand{
		Type:            api.CommandSendMessage,
		Content:         content,
		ClientMessageId: clientMessageId,
	})
}

func (sc *SessionConn) Close() error {
	sc.once.Do(func() { close(sc.done) })

	sc.writeMu.Lock()
	_ = sc.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = sc.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	sc.writeMu.Unlock()
	return sc.conn.Close()
}
