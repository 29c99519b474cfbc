package client_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	backend "supporthub/internal/api"
	"supporthub/internal/chat"
	"supporthub/internal/database"
	"supporthub/internal/hub"
	"supporthub/internal/limiter"
	"supporthub/internal/messaging"
	"supporthub/pkg/api"
	"supporthub/pkg/client"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var (
	alice = chat.Agent{Id: "agent-alice", Name: "Alice"}
	bob   = chat.Agent{Id: "agent-bob", Name: "Bob"}
)

type testServer struct {
	url    string
	auth   *backend.Auth
	starts *atomic.Int32
}

func createDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, database.GetMigrator(db).Migrate())

	return db
}

// startServer runs the real api over sqlite. wrap can intercept requests
// before they reach the router.
func startServer(t *testing.T, rateLimit int, wrap func(http.Handler) http.Handler) testServer {
	queue := messaging.NewInMemoryQueue()
	events := hub.New()

	auth, err := backend.NewAuth("client-test-secret")
	require.NoError(t, err)

	service := backend.NewChatService(
		chat.NewService(createDB(t), queue),
		events,
		auth,
		limiter.NewManager(limiter.NewMemoryStrategy(), "public:", rateLimit, time.Minute),
		api.WidgetConfig{CompanyName: "Acme", PrimaryColor: "#2563eb", Position: "bottom-right"},
	)

	router := chi.NewRouter()
	router.Route("/api", service.AddRoutes)

	starts := &atomic.Int32{}
	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/public/chat/start" {
			starts.Add(1)
		}
		router.ServeHTTP(w, r)
	})
	if wrap != nil {
		handler = wrap(handler)
	}

	server := httptest.NewServer(handler)

	ctx, cancel := context.WithCancel(context.Background())
	go events.Run(ctx, queue.Events())

	t.Cleanup(func() {
		server.Close()
		cancel()
		queue.Close()
	})

	return testServer{url: server.URL, auth: auth, starts: starts}
}

func (s testServer) widget(t *testing.T) *client.Widget {
	widget, err := client.NewWidget(client.WidgetConfig{APIBaseURL: s.url})
	require.NoError(t, err)
	t.Cleanup(widget.Close)
	return widget
}

func (s testServer) console(t *testing.T, agent chat.Agent) *client.AgentConsole {
	token, err := s.auth.IssueAgentToken(agent, time.Hour)
	require.NoError(t, err)

	console, err := client.NewAgentConsole(s.url, token)
	require.NoError(t, err)
	return console
}

func countSenders(messages []api.ChatMessage, sender string) int {
	count := 0
	for _, msg := range messages {
		if msg.Sender == sender {
			count++
		}
	}
	return count
}

func TestNewWidgetConfig(t *testing.T) {
	_, err := client.NewWidget(client.WidgetConfig{})
	assert.ErrorIs(t, err, client.ErrValidation)

	_, err = client.NewWidget(client.WidgetConfig{APIBaseURL: "ftp://example.com"})
	assert.ErrorIs(t, err, client.ErrValidation)

	_, err = client.NewWidget(client.WidgetConfig{APIBaseURL: "http://example.com", PrimaryColor: "blue"})
	assert.ErrorIs(t, err, client.ErrValidation)

	_, err = client.NewWidget(client.WidgetConfig{APIBaseURL: "http://example.com", Position: "top-left"})
	assert.ErrorIs(t, err, client.ErrValidation)

	widget, err := client.NewWidget(client.WidgetConfig{APIBaseURL: "http://example.com/"})
	require.NoError(t, err)
	defer widget.Close()

	cfg := widget.Config()
	assert.Equal(t, client.DefaultPrimaryColor, cfg.PrimaryColor)
	assert.Equal(t, client.PositionBottomRight, cfg.Position)

	widget, err = client.NewWidget(client.WidgetConfig{APIBaseURL: "https://example.com", PrimaryColor: "#fff", Position: client.PositionBottomLeft})
	require.NoError(t, err)
	defer widget.Close()
	assert.Equal(t, client.PositionBottomLeft, widget.Config().Position)
}

func TestFetchBranding(t *testing.T) {
	server := startServer(t, 0, nil)
	widget := server.widget(t)

	branding, err := widget.FetchBranding(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Acme", branding.CompanyName)
	assert.Equal(t, "Acme", widget.Config().CompanyName)
}

func TestStartChatValidatesLocally(t *testing.T) {
	server := startServer(t, 0, nil)
	widget := server.widget(t)

	for _, fields := range [][3]string{
		{"", "ada@x.com", "Help"},
		{"Ada", "", "Help"},
		{"Ada", "ada@x.com", "  "},
	} {
		_, err := widget.StartChat(context.Background(), fields[0], fields[1], fields[2])
		assert.ErrorIs(t, err, client.ErrValidation)
	}

	assert.Equal(t, int32(0), server.starts.Load())

	_, err := widget.SendMessage(context.Background(), "hello?")
	assert.ErrorIs(t, err, client.ErrNotStarted)
}

func TestStartChatSendsWebsiteURL(t *testing.T) {
	server := startServer(t, 0, nil)

	_, err := client.NewWidget(client.WidgetConfig{APIBaseURL: server.url, WebsiteURL: "shop.example.com"})
	assert.ErrorIs(t, err, client.ErrValidation)

	widget, err := client.NewWidget(client.WidgetConfig{APIBaseURL: server.url, WebsiteURL: "https://shop.example.com/orders/42"})
	require.NoError(t, err)
	t.Cleanup(widget.Close)

	session, err := widget.StartChat(context.Background(), "Ada", "ada@x.com", "Help")
	require.NoError(t, err)
	require.NotNil(t, session.WebsiteUrl)
	assert.Equal(t, "https://shop.example.com/orders/42", *session.WebsiteUrl)
	require.Len(t, session.Messages, 2)
	assert.JSONEq(t, `{"pageUrl": "https://shop.example.com/orders/42"}`, string(session.Messages[1].Metadata))
}

func TestConcurrentStartChatCreatesOneSession(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	server := startServer(t, 0, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/api/public/chat/start" {
				close(entered)
				<-release
			}
			next.ServeHTTP(w, r)
		})
	})
	widget := server.widget(t)

	done := make(chan error, 1)
	go func() {
		_, err := widget.StartChat(context.Background(), "Ada", "ada@x.com", "Help")
		done <- err
	}()

	<-entered
	_, err := widget.StartChat(context.Background(), "Ada", "ada@x.com", "Help again")
	assert.ErrorIs(t, err, client.ErrAlreadyStarted)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int32(1), server.starts.Load())

	_, ok := widget.SessionId()
	assert.True(t, ok)
}

func TestFailedStartChatCanBeRetried(t *testing.T) {
	server := startServer(t, 1, nil)
	widget := server.widget(t)

	other := server.widget(t)
	_, err := other.StartChat(context.Background(), "Grace", "grace@x.com", "Hi")
	require.NoError(t, err)

	_, err = widget.StartChat(context.Background(), "Ada", "ada@x.com", "Help")
	assert.ErrorIs(t, err, client.ErrRateLimited)

	_, err = widget.StartChat(context.Background(), "Ada", "ada@x.com", "Help")
	assert.ErrorIs(t, err, client.ErrRateLimited, "a failed start does not leave the widget marked as started")
}

func TestWidgetConversation(t *testing.T) {
	server := startServer(t, 0, nil)
	widget := server.widget(t)
	console := server.console(t, alice)

	var mu sync.Mutex
	var seen []api.ChatMessage
	var statuses []string
	widget.OnMessage(func(msg api.ChatMessage) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, msg)
	})
	widget.OnStatusChange(func(status string) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, status)
	})

	session, err := widget.StartChat(context.Background(), "Ada", "ada@x.com", "Help")
	require.NoError(t, err)
	assert.Equal(t, api.StatusWaiting, session.Status)
	assert.Equal(t, int32(1), server.starts.Load())

	transcript := widget.Transcript()
	require.Len(t, transcript, 2)
	assert.Equal(t, api.SenderSystem, transcript[0].Sender)
	assert.Equal(t, api.SenderCustomer, transcript[1].Sender)
	assert.Equal(t, 1, countSenders(transcript, api.SenderSystem))

	_, err = widget.StartChat(context.Background(), "Ada", "ada@x.com", "Again")
	assert.ErrorIs(t, err, client.ErrAlreadyStarted)

	_, err = console.Assign(context.Background(), session.Id)
	require.NoError(t, err)

	hi, err := console.SendMessage(context.Background(), session.Id, "Hi")
	require.NoError(t, err)
	assert.Equal(t, api.SenderAgent, hi.Sender)
	require.NotNil(t, hi.SenderName)
	assert.Equal(t, "Alice", *hi.SenderName)

	sent, err := widget.SendMessage(context.Background(), "My order is late")
	require.NoError(t, err)
	assert.NotEmpty(t, sent.ClientMessageId)

	_, err = console.End(context.Background(), session.Id)
	require.NoError(t, err)

	require.NoError(t, widget.Poll(context.Background(), 10*time.Millisecond, func(err error) {
		t.Errorf("unexpected poll error: %v", err)
	}))
	assert.Equal(t, api.StatusEnded, widget.Status())

	transcript = widget.Transcript()
	contents := make([]string, 0, len(transcript))
	for i, msg := range transcript {
		contents = append(contents, msg.Content)
		if i > 0 {
			assert.Greater(t, msg.Seq, transcript[i-1].Seq)
		}
	}
	assert.Equal(t, []string{
		chat.DefaultWelcomeMessage,
		"Help",
		"Alice joined the chat",
		"Hi",
		"My order is late",
		"Chat ended by Alice",
	}, contents)

	mu.Lock()
	assert.Len(t, seen, 6)
	assert.Equal(t, []string{api.StatusWaiting, api.StatusEnded}, statuses)
	mu.Unlock()

	_, err = widget.SendMessage(context.Background(), "Are you there?")
	assert.ErrorIs(t, err, client.ErrSessionEnded)
	assert.Len(t, widget.Transcript(), 6)
}

func TestSendMessageShowsPendingUntilConfirmed(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	server := startServer(t, 0, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/api/public/chat/message" {
				close(entered)
				<-release
			}
			next.ServeHTTP(w, r)
		})
	})
	widget := server.widget(t)

	_, err := widget.StartChat(context.Background(), "Ada", "ada@x.com", "Help")
	require.NoError(t, err)

	type result struct {
		msg api.ChatMessage
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := widget.SendMessage(context.Background(), "Still there?")
		done <- result{msg, err}
	}()

	<-entered
	transcript := widget.Transcript()
	require.Len(t, transcript, 3)
	pending := transcript[2]
	assert.Equal(t, uuid.Nil, pending.Id)
	assert.Equal(t, "Still there?", pending.Content)
	assert.NotEmpty(t, pending.ClientMessageId)

	close(release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, pending.ClientMessageId, res.msg.ClientMessageId)

	transcript = widget.Transcript()
	require.Len(t, transcript, 3)
	assert.Equal(t, res.msg.Id, transcript[2].Id)
	assert.Equal(t, int64(3), transcript[2].Seq)
}

func TestSendMessageRollsBackOnFailure(t *testing.T) {
	server := startServer(t, 0, nil)
	widget := server.widget(t)
	console := server.console(t, alice)

	session, err := widget.StartChat(context.Background(), "Ada", "ada@x.com", "Help")
	require.NoError(t, err)

	_, err = console.Assign(context.Background(), session.Id)
	require.NoError(t, err)
	_, err = console.End(context.Background(), session.Id)
	require.NoError(t, err)

	// The widget has not seen the end yet, so the server rejects the send.
	assert.Equal(t, api.StatusWaiting, widget.Status())

	_, err = widget.SendMessage(context.Background(), "Hello?")
	assert.ErrorIs(t, err, client.ErrSessionEnded)
	assert.ErrorIs(t, err, client.ErrConflict)

	assert.Len(t, widget.Transcript(), 2)
	assert.Equal(t, api.StatusEnded, widget.Status())
}

func TestWidgetListen(t *testing.T) {
	server := startServer(t, 0, nil)
	widget := server.widget(t)
	console := server.console(t, alice)

	session, err := widget.StartChat(context.Background(), "Ada", "ada@x.com", "Help")
	require.NoError(t, err)

	active := make(chan struct{})
	widget.OnStatusChange(func(status string) {
		if status == api.StatusActive {
			close(active)
		}
	})

	agentMessages := make(chan api.ChatMessage, 8)
	widget.OnMessage(func(msg api.ChatMessage) {
		if msg.Sender == api.SenderAgent {
			agentMessages <- msg
		}
	})

	listening := make(chan error, 1)
	go func() {
		listening <- widget.Listen(context.Background())
	}()

	// Whether the stream opens before or after the assign, the change arrives
	// either as an event or in the connected snapshot.
	_, err = console.Assign(context.Background(), session.Id)
	require.NoError(t, err)

	select {
	case <-active:
	case <-time.After(5 * time.Second):
		t.Fatal("status change never delivered")
	}

	_, err = console.SendMessage(context.Background(), session.Id, "Hi")
	require.NoError(t, err)

	select {
	case msg := <-agentMessages:
		assert.Equal(t, "Hi", msg.Content)
	case <-time.After(5 * time.Second):
		t.Fatal("agent message never delivered")
	}

	_, err = console.End(context.Background(), session.Id)
	require.NoError(t, err)

	select {
	case err := <-listening:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("listen did not stop after the session ended")
	}
	assert.Equal(t, api.StatusEnded, widget.Status())

	transcript := widget.Transcript()
	assert.Equal(t, "Chat ended by Alice", transcript[len(transcript)-1].Content)
}

func TestWidgetClose(t *testing.T) {
	server := startServer(t, 0, nil)
	widget := server.widget(t)

	_, err := widget.StartChat(context.Background(), "Ada", "ada@x.com", "Help")
	require.NoError(t, err)

	polling := make(chan error, 1)
	go func() {
		polling <- widget.Poll(context.Background(), 10*time.Millisecond, nil)
	}()

	widget.Close()

	select {
	case err := <-polling:
		// Close can land before the poll loop starts.
		if err != nil {
			assert.ErrorIs(t, err, client.ErrClosed)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("poll did not stop on close")
	}

	_, err = widget.SendMessage(context.Background(), "hello")
	assert.ErrorIs(t, err, client.ErrClosed)
}

func TestAgentConsoleErrors(t *testing.T) {
	server := startServer(t, 0, nil)
	widget := server.widget(t)

	session, err := widget.StartChat(context.Background(), "Ada", "ada@x.com", "Help")
	require.NoError(t, err)

	_, err = client.NewAgentConsole(server.url, "")
	assert.ErrorIs(t, err, client.ErrUnauthorized)

	forged, err := client.NewAgentConsole(server.url, "not-a-token")
	require.NoError(t, err)
	_, err = forged.ListSessions(context.Background(), "")
	assert.ErrorIs(t, err, client.ErrUnauthorized)

	aliceConsole := server.console(t, alice)
	bobConsole := server.console(t, bob)

	_, err = aliceConsole.GetSession(context.Background(), uuid.New())
	assert.ErrorIs(t, err, client.ErrNotFound)

	_, err = aliceConsole.ListSessions(context.Background(), "archived")
	assert.ErrorIs(t, err, client.ErrValidation)

	_, err = aliceConsole.End(context.Background(), session.Id)
	assert.ErrorIs(t, err, client.ErrConflict)

	_, err = aliceConsole.Assign(context.Background(), session.Id)
	require.NoError(t, err)

	_, err = bobConsole.Assign(context.Background(), session.Id)
	assert.ErrorIs(t, err, client.ErrConflict)

	_, err = bobConsole.SendMessage(context.Background(), session.Id, "Hi from Bob")
	assert.ErrorIs(t, err, client.ErrForbidden)

	_, err = aliceConsole.SendMessage(context.Background(), session.Id, " ")
	assert.ErrorIs(t, err, client.ErrValidation)

	waiting, err := aliceConsole.ListSessions(context.Background(), api.StatusWaiting)
	require.NoError(t, err)
	assert.Empty(t, waiting)

	active, err := aliceConsole.ListSessions(context.Background(), api.StatusActive)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, session.Id, active[0].Id)
}

func TestAgentConsoleRetryIsIdempotent(t *testing.T) {
	server := startServer(t, 0, nil)
	widget := server.widget(t)
	console := server.console(t, alice)

	session, err := widget.StartChat(context.Background(), "Ada", "ada@x.com", "Help")
	require.NoError(t, err)
	_, err = console.Assign(context.Background(), session.Id)
	require.NoError(t, err)

	first, err := console.SendMessageWithId(context.Background(), session.Id, "Hi", "retry-1")
	require.NoError(t, err)
	second, err := console.SendMessageWithId(context.Background(), session.Id, "Hi", "retry-1")
	require.NoError(t, err)
	assert.Equal(t, first.Id, second.Id)

	fresh, err := console.GetSession(context.Background(), session.Id)
	require.NoError(t, err)
	assert.Equal(t, 1, countSenders(fresh.Messages, api.SenderAgent))
}

func TestRateLimitedStart(t *testing.T) {
	server := startServer(t, 1, nil)

	_, err := server.widget(t).StartChat(context.Background(), "Ada", "ada@x.com", "Help")
	require.NoError(t, err)

	_, err = server.widget(t).StartChat(context.Background(), "Ada", "ada@x.com", "Help")
	assert.ErrorIs(t, err, client.ErrRateLimited)
	assert.True(t, strings.Contains(err.Error(), "retry after 60s"), err.Error())
}

func TestAgentConsoleEvents(t *testing.T) {
	server := startServer(t, 0, nil)
	console := server.console(t, alice)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connected := make(chan struct{})
	created := make(chan api.ChatEvent, 1)
	finished := make(chan error, 1)
	go func() {
		finished <- console.Events(ctx, func(event api.ChatEvent) bool {
			switch event.Type {
			case api.EventConnected:
				close(connected)
			case api.EventSessionCreated:
				created <- event
				return false
			}
			return true
		})
	}()

	select {
	case <-connected:
	case <-time.After(5 * time.Second):
		t.Fatal("event stream never connected")
	}

	session, err := server.widget(t).StartChat(context.Background(), "Ada", "ada@x.com", "Help")
	require.NoError(t, err)

	select {
	case event := <-created:
		assert.Equal(t, session.Id, event.SessionId)
	case <-time.After(5 * time.Second):
		t.Fatal("session.created never delivered")
	}

	assert.NoError(t, <-finished)
}

func TestAgentConsoleConnect(t *testing.T) {
	server := startServer(t, 0, nil)
	console := server.console(t, alice)

	session, err := server.widget(t).StartChat(context.Background(), "Ada", "ada@x.com", "Help")
	require.NoError(t, err)

	watcher, err := server.console(t, bob).Connect(context.Background(), session.Id)
	require.NoError(t, err, "any agent may watch a session")
	require.NoError(t, watcher.Close())

	_, err = console.Assign(context.Background(), session.Id)
	require.NoError(t, err)

	conn, err := console.Connect(context.Background(), session.Id)
	require.NoError(t, err)
	defer conn.Close()

	next := func(eventType string) api.ChatEvent {
		for {
			select {
			case event, ok := <-conn.Events():
				require.True(t, ok, "connection closed: %v", conn.Err())
				if event.Type == eventType {
					return event
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("timed out waiting for %s", eventType)
			}
		}
	}

	connected := next(api.EventConnected)
	require.NotNil(t, connected.Session)
	assert.Equal(t, api.StatusActive, connected.Session.Status)

	require.NoError(t, conn.Send("Hello over the socket", "ws-msg-1"))
	for {
		event := next(api.EventMessageCreated)
		if event.Message != nil && event.Message.ClientMessageId == "ws-msg-1" {
			assert.Equal(t, "Hello over the socket", event.Message.Content)
			break
		}
	}

	bad, err := client.NewAgentConsole(server.url, "bad-token")
	require.NoError(t, err)
	_, err = bad.Connect(context.Background(), session.Id)
	assert.ErrorIs(t, err, client.ErrUnauthorized)
}
