package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"supporthub/cmd"
	backend "supporthub/internal/api"
	"supporthub/internal/chat"
	"supporthub/pkg/api"
	"supporthub/pkg/client"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
)

type ConsoleConfig struct {
	APIBaseURL string `env:"SUPPORTHUB_API_URL" envDefault:"http://localhost:8001"`
	Token      string `env:"AGENT_TOKEN"`

	// Without AGENT_TOKEN a token is minted from JWT_SECRET, which only makes
	// sense against a local server.
	JWTSecret string        `env:"JWT_SECRET"`
	AgentId   string        `env:"AGENT_ID" envDefault:"local-agent"`
	AgentName string        `env:"AGENT_NAME" envDefault:"Local Agent"`
	TokenTTL  time.Duration `env:"AGENT_TOKEN_TTL" envDefault:"12h"`

	// Push follows the focused session over a WebSocket instead of polling.
	Push bool `env:"CONSOLE_PUSH" envDefault:"false"`
}

const requestTimeout = 10 * time.Second

type console struct {
	agent *client.AgentConsole
	push  bool

	out sync.Mutex

	mu          sync.Mutex
	sessions    []api.ChatSession
	lastSummary string
	focused     uuid.UUID
	stopFocus   context.CancelFunc
}

func (c *console) printf(format string, args ...any) {
	c.out.Lock()
	defer c.out.Unlock()
	fmt.Printf(format+"\n", args...)
}

func agentToken(cfg ConsoleConfig) (string, error) {
	if cfg.Token != "" {
		return cfg.Token, nil
	}
	if cfg.JWTSecret == "" {
		return "", errors.New("either AGENT_TOKEN or JWT_SECRET must be set")
	}

	auth, err := backend.NewAuth(cfg.JWTSecret)
	if err != nil {
		return "", err
	}
	return auth.IssueAgentToken(chat.Agent{Id: cfg.AgentId, Name: cfg.AgentName}, cfg.TokenTTL)
}

func main() {
	cmd.LoadEnvFile()

	var cfg ConsoleConfig
	if err := env.Parse(&cfg); err != nil {
		log.Fatalf("error parsing config: %v", err)
	}

	token, err := agentToken(cfg)
	if err != nil {
		log.Fatalf("unable to get agent token: %v", err)
	}

	agent, err := client.NewAgentConsole(cfg.APIBaseURL, token, client.WithTimeout(requestTimeout))
	if err != nil {
		log.Fatalf("unable to create console: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := &console{agent: agent, push: cfg.Push}

	go func() {
		poller := client.Poller{
			Interval: client.DefaultListInterval,
			OnError:  func(err error) { slog.Warn("unable to refresh session list", "error", err) },
		}
		_ = poller.Run(ctx, c.refreshList)
	}()

	c.printf("connected to %s, type 'help' for commands", cfg.APIBaseURL)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			c.unfocus()
			return
		case line, ok := <-lines:
			if !ok {
				c.unfocus()
				return
			}
			if quit := c.handle(ctx, strings.TrimSpace(line)); quit {
				c.unfocus()
				return
			}
		}
	}
}

func (c *console) handle(ctx context.Context, line string) bool {
	command, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	var err error
	switch command {
	case "":
	case "help":
		c.printf("commands: list, open <id>, assign <id>, say <text>, end, quit")
	case "list":
		err = c.list(ctx)
	case "open":
		err = c.open(ctx, arg)
	case "assign":
		err = c.assign(ctx, arg)
	case "say":
		err = c.say(ctx, arg)
	case "end":
		err = c.end(ctx)
	case "quit", "exit":
		return true
	default:
		c.printf("unknown command '%s'", command)
	}

	if err != nil {
		c.printf("error: %v", err)
	}
	return false
}

func (c *console) refreshList(ctx context.Context) error {
	sessions, err := c.agent.ListSessions(ctx, "")
	if err != nil {
		return err
	}

	waiting, active := 0, 0
	for _, session := range sessions {
		switch session.Status {
		case api.StatusWaiting:
			waiting++
		case api.StatusActive:
			active++
		}
	}
	summary := fmt.Sprintf("%d waiting, %d active", waiting, active)

	c.mu.Lock()
	c.sessions = sessions
	changed := summary != c.lastSummary
	c.lastSummary = summary
	c.mu.Unlock()

	if changed {
		c.printf("[sessions] %s", summary)
	}
	return nil
}

func (c *console) list(ctx context.Context) error {
	if err := c.refreshList(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	sessions := c.sessions
	c.mu.Unlock()

	if len(sessions) == 0 {
		c.printf("no chat sessions")
		return nil
	}
	for _, session := range sessions {
		agent := "-"
		if session.AssignedAgentName != nil {
			agent = *session.AssignedAgentName
		}
		c.printf("%s  %-8s  %-20s  %-28s  %s  %s",
			session.Id.String()[:8], session.Status, session.CustomerName, session.CustomerEmail,
			agent, session.CreatedAt.Local().Format(time.Stamp))
	}
	return nil
}

// resolve accepts a full id or the prefix shown by list.
func (c *console) resolve(arg string) (uuid.UUID, error) {
	if arg == "" {
		return uuid.Nil, errors.New("session id is required")
	}
	if id, err := uuid.Parse(arg); err == nil {
		return id, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	var match uuid.UUID
	for _, session := range c.sessions {
		if strings.HasPrefix(session.Id.String(), arg) {
			if match != uuid.Nil {
				return uuid.Nil, fmt.Errorf("'%s' matches more than one session", arg)
			}
			match = session.Id
		}
	}
	if match == uuid.Nil {
		return uuid.Nil, fmt.Errorf("no session matches '%s'", arg)
	}
	return match, nil
}

func (c *console) focusedSession() (uuid.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.focused == uuid.Nil {
		return uuid.Nil, errors.New("no session open, use 'open <id>' first")
	}
	return c.focused, nil
}

func (c *console) unfocus() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopFocus != nil {
		c.stopFocus()
		c.stopFocus = nil
	}
	c.focused = uuid.Nil
}

func (c *console) open(ctx context.Context, arg string) error {
	sessionId, err := c.resolve(arg)
	if err != nil {
		return err
	}

	session, err := c.agent.GetSession(ctx, sessionId)
	if err != nil {
		return err
	}

	c.unfocus()

	focusCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.focused = sessionId
	c.stopFocus = cancel
	c.mu.Unlock()

	c.printf("--- %s (%s) <%s> %s ---", session.CustomerName, session.Status, session.CustomerEmail, sessionId)

	view := newSessionView(c)
	view.apply(session)

	if c.push {
		go c.follow(focusCtx, sessionId, view)
	} else {
		go func() {
			poller := client.Poller{
				Interval: client.DefaultSessionInterval,
				OnError:  func(err error) { slog.Warn("unable to refresh session", "session_id", sessionId, "error", err) },
			}
			_ = poller.Run(focusCtx, func(ctx context.Context) error {
				session, err := c.agent.GetSession(ctx, sessionId)
				if err != nil {
					return err
				}
				view.apply(session)
				return nil
			})
		}()
	}

	return nil
}

// follow streams the focused session over a WebSocket until the session is
// unfocused or the socket closes.
func (c *console) follow(ctx context.Context, sessionId uuid.UUID, view *sessionView) {
	conn, err := c.agent.Connect(ctx, sessionId)
	if err != nil {
		slog.Warn("unable to open session websocket", "session_id", sessionId, "error", err)
		return
	}
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-conn.Events():
			if !ok {
				if err := conn.Err(); err != nil {
					slog.Warn("session websocket closed", "session_id", sessionId, "error", err)
				}
				return
			}
			view.applyEvent(event)
		}
	}
}

func (c *console) assign(ctx context.Context, arg string) error {
	if arg == "" {
		if focused, err := c.focusedSession(); err == nil {
			arg = focused.String()
		}
	}
	sessionId, err := c.resolve(arg)
	if err != nil {
		return err
	}

	session, err := c.agent.Assign(ctx, sessionId)
	if errors.Is(err, client.ErrConflict) {
		return fmt.Errorf("session may have been taken by another agent")
	}
	if err != nil {
		return err
	}

	c.printf("assigned %s (%s)", session.CustomerName, sessionId)
	return c.open(ctx, sessionId.String())
}

func (c *console) say(ctx context.Context, text string) error {
	sessionId, err := c.focusedSession()
	if err != nil {
		return err
	}
	_, err = c.agent.SendMessage(ctx, sessionId, text)
	return err
}

func (c *console) end(ctx context.Context) error {
	sessionId, err := c.focusedSession()
	if err != nil {
		return err
	}
	if _, err := c.agent.End(ctx, sessionId); err != nil {
		return err
	}
	c.unfocus()
	c.printf("chat ended")
	return nil
}

// sessionView prints each message of the focused session once.
type sessionView struct {
	c       *console
	mu      sync.Mutex
	printed map[uuid.UUID]bool
	status  string
}

func newSessionView(c *console) *sessionView {
	return &sessionView{c: c, printed: make(map[uuid.UUID]bool)}
}

func (v *sessionView) apply(session api.ChatSession) {
	for _, msg := range session.Messages {
		v.printMessage(msg)
	}
	v.setStatus(session.Status)
}

func (v *sessionView) applyEvent(event api.ChatEvent) {
	switch event.Type {
	case api.EventConnected:
		if event.Session != nil {
			v.apply(*event.Session)
		}
	case api.EventMessageCreated:
		if event.Message != nil {
			v.printMessage(*event.Message)
		}
	case api.EventSessionStatusChanged:
		if event.Session != nil {
			v.setStatus(event.Session.Status)
		}
	case api.EventError:
		v.c.printf("error: %s", event.Error)
	}
}

func (v *sessionView) printMessage(msg api.ChatMessage) {
	v.mu.Lock()
	if v.printed[msg.Id] {
		v.mu.Unlock()
		return
	}
	v.printed[msg.Id] = true
	v.mu.Unlock()

	sender := msg.Sender
	if msg.SenderName != nil {
		sender = *msg.SenderName
	}
	v.c.printf("[%s] %s: %s", msg.Timestamp.Local().Format(time.Kitchen), sender, msg.Content)
}

func (v *sessionView) setStatus(status string) {
	v.mu.Lock()
	changed := v.status != "" && v.status != status
	v.status = status
	v.mu.Unlock()

	if changed {
		v.c.printf("[status] %s", status)
	}
}
