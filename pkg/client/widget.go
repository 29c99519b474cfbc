package client

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"supporthub/pkg/api"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
)

const (
	DefaultPrimaryColor = "#2563eb"

	PositionBottomRight = "bottom-right"
	PositionBottomLeft  = "bottom-left"
)

var (
	ErrClosed         = errors.New("widget closed")
	ErrNotStarted     = errors.New("chat not started")
	ErrAlreadyStarted = errors.New("chat already started")
)

var colorPattern = regexp.MustCompile(`^#([0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

type WidgetConfig struct {
	APIBaseURL   string
	PrimaryColor string
	Position     string
	CompanyName  string

	// WebsiteURL is the page the widget is embedded on. It is sent with the
	// chat start so agents see where the customer came from.
	WebsiteURL string
}

func (c *WidgetConfig) validate() error {
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return fmt.Errorf("%w: APIBaseURL is required", ErrValidation)
	}
	if u, err := url.Parse(c.APIBaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: APIBaseURL '%s' must be an http(s) url", ErrValidation, c.APIBaseURL)
	}

	if c.WebsiteURL != "" {
		if u, err := url.Parse(c.WebsiteURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: WebsiteURL '%s' must be an http(s) url", ErrValidation, c.WebsiteURL)
		}
	}

	if c.PrimaryColor == "" {
		c.PrimaryColor = DefaultPrimaryColor
	}
	if !colorPattern.MatchString(c.PrimaryColor) {
		return fmt.Errorf("%w: invalid primary color '%s'", ErrValidation, c.PrimaryColor)
	}

	switch c.Position {
	case "":
		c.Position = PositionBottomRight
	case PositionBottomRight, PositionBottomLeft:
	default:
		return fmt.Errorf("%w: invalid position '%s'", ErrValidation, c.Position)
	}

	return nil
}

type pendingMessage struct {
	clientMessageId string
	message         api.ChatMessage
}

// Widget is the customer side of one chat. Each widget owns at most one
// session and is discarded with Close.
type Widget struct {
	cfg    WidgetConfig
	rest   *resty.Client
	stream *http.Client

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	starting  bool
	session   *api.ChatSession
	status    string
	confirmed map[uuid.UUID]api.ChatMessage
	pending   []pendingMessage

	onMessage      []func(api.ChatMessage)
	onStatusChange []func(string)
}

func NewWidget(cfg WidgetConfig, opts ...Option) (*Widget, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := settings{}
	for _, opt := range opts {
		opt(&s)
	}
	stream := http.DefaultClient
	if s.httpClient != nil {
		stream = &http.Client{Transport: s.httpClient.Transport}
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Widget{
		cfg:       cfg,
		rest:      newRestClient(cfg.APIBaseURL, opts),
		stream:    stream,
		ctx:       ctx,
		cancel:    cancel,
		confirmed: make(map[uuid.UUID]api.ChatMessage),
	}, nil
}

func (w *Widget) Config() WidgetConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg
}

// Close stops any Listen or Poll loop. Calls made after Close fail with
// ErrClosed.
func (w *Widget) Close() {
	w.cancel()
}

// scoped ties ctx to the lifetime of the widget.
func (w *Widget) scoped(ctx context.Context) (context.Context, context.CancelFunc, error) {
	if w.ctx.Err() != nil {
		return nil, nil, ErrClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(w.ctx, cancel)
	return ctx, func() { stop(); cancel() }, nil
}

// FetchBranding loads the server side branding. The company name is taken from
// it when the local config has none.
func (w *Widget) FetchBranding(ctx context.Context) (api.WidgetConfig, error) {
	ctx, done, err := w.scoped(ctx)
	if err != nil {
		return api.WidgetConfig{}, err
	}
	defer done()

	branding, err := do[api.WidgetConfig](ctx, w.rest.R(), http.MethodGet, "/api/public/chat/widget-config")
	if err != nil {
		return branding, err
	}

	w.mu.Lock()
	if w.cfg.CompanyName == "" {
		w.cfg.CompanyName = branding.CompanyName
	}
	w.mu.Unlock()

	return branding, nil
}

func (w *Widget) OnMessage(fn func(api.ChatMessage)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onMessage = append(w.onMessage, fn)
}

func (w *Widget) OnStatusChange(fn func(string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onStatusChange = append(w.onStatusChange, fn)
}

// StartChat validates locally before calling the server, so an incomplete
// form never reaches the start endpoint.
func (w *Widget) StartChat(ctx context.Context, name, email, message string) (api.ChatSession, error) {
	name, email, message = strings.TrimSpace(name), strings.TrimSpace(email), strings.TrimSpace(message)
	if name == "" || email == "" || message == "" {
		return api.ChatSession{}, fmt.Errorf("%w: name, email and message are required", ErrValidation)
	}

	ctx, done, err := w.scoped(ctx)
	if err != nil {
		return api.ChatSession{}, err
	}
	defer done()

	w.mu.Lock()
	if w.session != nil || w.starting {
		w.mu.Unlock()
		return api.ChatSession{}, ErrAlreadyStarted
	}
	w.starting = true
	websiteURL := w.cfg.WebsiteURL
	w.mu.Unlock()

	session, err := do[api.ChatSession](ctx, w.rest.R().SetBody(api.StartChatRequest{
		Name:       name,
		Email:      email,
		Message:    message,
		WebsiteUrl: websiteURL,
	}), http.MethodPost, "/api/public/chat/start")
	if err == nil {
		w.applySnapshot(session)
	}

	w.mu.Lock()
	w.starting = false
	w.mu.Unlock()

	if err != nil {
		return api.ChatSession{}, err
	}
	return session, nil
}

func (w *Widget) SessionId() (uuid.UUID, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.session == nil {
		return uuid.Nil, false
	}
	return w.session.Id, true
}

func (w *Widget) Status() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// SendMessage shows the message as pending until the server confirms it. A
// failed send removes the pending entry again.
func (w *Widget) SendMessage(ctx context.Context, content string) (api.ChatMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return api.ChatMessage{}, fmt.Errorf("%w: message content is required", ErrValidation)
	}

	ctx, done, err := w.scoped(ctx)
	if err != nil {
		return api.ChatMessage{}, err
	}
	defer done()

	clientMessageId := uuid.NewString()

	w.mu.Lock()
	if w.session == nil {
		w.mu.Unlock()
		return api.ChatMessage{}, ErrNotStarted
	}
	if w.status == api.StatusEnded {
		w.mu.Unlock()
		return api.ChatMessage{}, ErrSessionEnded
	}
	sessionId := w.session.Id
	w.pending = append(w.pending, pendingMessage{
		clientMessageId: clientMessageId,
		message: api.ChatMessage{
			SessionId:       sessionId,
			Content:         content,
			Sender:          api.SenderCustomer,
			ClientMessageId: clientMessageId,
			Timestamp:       time.Now().UTC(),
		},
	})
	w.mu.Unlock()

	msg, err := do[api.ChatMessage](ctx, w.rest.R().SetBody(api.SendCustomerMessageRequest{
		SessionId:       sessionId,
		Content:         content,
		ClientMessageId: clientMessageId,
	}), http.MethodPost, "/api/public/chat/message")

	w.mu.Lock()
	w.pending = slices.DeleteFunc(w.pending, func(p pendingMessage) bool {
		return p.clientMessageId == clientMessageId
	})
	w.mu.Unlock()

	if err != nil {
		if errors.Is(err, ErrSessionEnded) {
			w.applyStatus(api.StatusEnded)
		}
		return api.ChatMessage{}, err
	}

	w.applyMessage(msg)

	return msg, nil
}

// Transcript returns the confirmed messages in order followed by any that are
// still pending.
func (w *Widget) Transcript() []api.ChatMessage {
	w.mu.Lock()
	defer w.mu.Unlock()

	messages := make([]api.ChatMessage, 0, len(w.confirmed)+len(w.pending))
	for _, msg := range w.confirmed {
		messages = append(messages, msg)
	}
	slices.SortFunc(messages, func(a, b api.ChatMessage) int {
		return cmp.Compare(a.Seq, b.Seq)
	})

	for _, p := range w.pending {
		messages = append(messages, p.message)
	}
	return messages
}

// Listen follows the session event stream until ctx is done, the widget is
// closed or the session ends. It does not reconnect; callers can fall back to
// Poll when it returns an error.
func (w *Widget) Listen(ctx context.Context) error {
	sessionId, ok := w.SessionId()
	if !ok {
		return ErrNotStarted
	}

	ctx, done, err := w.scoped(ctx)
	if err != nil {
		return err
	}
	defer done()

	body, err := openStream(ctx, w.stream, w.rest.BaseURL+"/api/public/chat/"+sessionId.String()+"/events", nil)
	if err != nil {
		return err
	}
	defer body.Close()

	err = readEvents(body, func(event api.ChatEvent) bool {
		w.applyEvent(event)
		return w.Status() != api.StatusEnded
	})
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return err
	}

	// The closing notice follows the status change on the stream.
	_, err = w.refresh(ctx, sessionId)
	return err
}

func (w *Widget) refresh(ctx context.Context, sessionId uuid.UUID) (api.ChatSession, error) {
	session, err := do[api.ChatSession](ctx, w.rest.R(), http.MethodGet, "/api/public/chat/"+sessionId.String())
	if err != nil {
		return session, err
	}
	w.applySnapshot(session)
	return session, nil
}

// Poll refreshes the session at a fixed interval until ctx is done, the widget
// is closed or the session ends.
func (w *Widget) Poll(ctx context.Context, interval time.Duration, onError func(error)) error {
	sessionId, ok := w.SessionId()
	if !ok {
		return ErrNotStarted
	}

	ctx, done, err := w.scoped(ctx)
	if err != nil {
		return err
	}
	defer done()

	poller := Poller{Interval: interval, OnError: onError}
	err = poller.Run(ctx, func(ctx context.Context) error {
		session, err := w.refresh(ctx, sessionId)
		if err != nil {
			return err
		}
		if session.Status == api.StatusEnded {
			return ErrStopPolling
		}
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Widget) applyEvent(event api.ChatEvent) {
	switch event.Type {
	case api.EventConnected:
		if event.Session != nil {
			w.applySnapshot(*event.Session)
		}
	case api.EventMessageCreated:
		if event.Message != nil {
			w.applyMessage(*event.Message)
		}
	case api.EventSessionStatusChanged:
		if event.Session != nil {
			w.applyStatus(event.Session.Status)
		}
	}
}

func (w *Widget) applySnapshot(session api.ChatSession) {
	messages := session.Messages

	w.mu.Lock()
	session.Messages = nil
	if statusRank(w.status) > statusRank(session.Status) {
		session.Status = w.status
	}
	w.session = &session
	w.mu.Unlock()

	for _, msg := range messages {
		w.applyMessage(msg)
	}
	w.applyStatus(session.Status)
}

// applyMessage records a confirmed message and notifies listeners the first
// time a given id is seen. A pending entry with the same correlation id is
// replaced, since the stream can confirm a send before its response arrives.
func (w *Widget) applyMessage(msg api.ChatMessage) {
	w.mu.Lock()
	if msg.ClientMessageId != "" {
		w.pending = slices.DeleteFunc(w.pending, func(p pendingMessage) bool {
			return p.clientMessageId == msg.ClientMessageId
		})
	}
	if _, seen := w.confirmed[msg.Id]; seen {
		w.mu.Unlock()
		return
	}
	w.confirmed[msg.Id] = msg
	listeners := slices.Clone(w.onMessage)
	w.mu.Unlock()

	for _, fn := range listeners {
		fn(msg)
	}
}

func (w *Widget) applyStatus(status string) {
	w.mu.Lock()
	if statusRank(status) <= statusRank(w.status) {
		w.mu.Unlock()
		return
	}
	w.status = status
	if w.session != nil {
		w.session.Status = status
	}
	listeners := slices.Clone(w.onStatusChange)
	w.mu.Unlock()

	for _, fn := range listeners {
		fn(status)
	}
}

// statusRank orders statuses along the only path a session can take, so a
// stale snapshot never moves the widget backwards.
func statusRank(status string) int {
	switch status {
	case api.StatusWaiting:
		return 1
	case api.StatusActive:
		return 2
	case api.StatusEnded:
		return 3
	default:
		return 0
	}
}
