package api

import (
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"supporthub/internal/chat"
	"supporthub/internal/hub"
	"supporthub/internal/limiter"
	"supporthub/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

const RequestTimeout = 60 * time.Second

type ChatService struct {
	chat    *chat.Service
	hub     *hub.Hub
	auth    *Auth
	limiter *limiter.Manager
	widget  api.WidgetConfig
}

func NewChatService(service *chat.Service, hub *hub.Hub, auth *Auth, limiter *limiter.Manager, widget api.WidgetConfig) *ChatService {
	return &ChatService{
		chat:    service,
		hub:     hub,
		auth:    auth,
		limiter: limiter,
		widget:  widget,
	}
}

func (s *ChatService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(func(r *http.Request) (any, error) { return nil, nil }))

	r.Route("/public/chat", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(RequestTimeout))

			r.With(s.rateLimit).Post("/start", RestHandler(s.StartChat))
			r.With(s.rateLimit).Post("/message", RestHandler(s.SendCustomerMessage))
			r.Get("/widget-config", RestHandler(s.GetWidgetConfig))
			r.Get("/{session_id}", RestHandler(s.GetSession))
		})

		r.Get("/{session_id}/events", s.CustomerEvents)
	})

	r.Route("/agent/chat-sessions", func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(RequestTimeout))

			r.Get("/", RestHandler(s.ListSessions))
			r.Get("/{session_id}", RestHandler(s.GetSession))
			r.Post("/{session_id}/messages", RestHandler(s.SendAgentMessage))
			r.Post("/{session_id}/assign", RestHandler(s.Assign))
			r.Post("/{session_id}/end", RestHandler(s.End))
		})

		r.Get("/events", s.AgentEvents)
		r.Get("/{session_id}/ws", s.AgentWebSocket)
	})
}

// rateLimit applies the public limit per client address. A failing limiter
// lets the request through.
func (s *ChatService) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		allowed, err := s.limiter.Allow(r.Context(), clientAddress(r))
		if err != nil {
			slog.Error("rate limiter unavailable", "error", err)
		} else if !allowed {
			w.Header().Set("Retry-After", formatSeconds(s.limiter.Window()))
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func formatSeconds(d time.Duration) string {
	seconds := int(d.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return strconv.Itoa(seconds)
}

func (s *ChatService) StartChat(r *http.Request) (any, error) {
	req, err := ParseRequest[api.StartChatRequest](r)
	if err != nil {
		return nil, err
	}

	session, err := s.chat.StartChat(r.Context(), req)
	if err != nil {
		return nil, chatError(err)
	}

	return chat.ToApiSession(session), nil
}

func (s *ChatService) SendCustomerMessage(r *http.Request) (any, error) {
	req, err := ParseRequest[api.SendCustomerMessageRequest](r)
	if err != nil {
		return nil, err
	}

	if req.SessionId == uuid.Nil {
		return nil, CodedErrorf(http.StatusBadRequest, "sessionId is required")
	}

	msg, err := s.chat.PostCustomerMessage(r.Context(), req.SessionId, req.Content, req.ClientMessageId)
	if err != nil {
		return nil, chatError(err)
	}

	return chat.ToApiMessage(msg), nil
}

func (s *ChatService) GetWidgetConfig(r *http.Request) (any, error) {
	return s.widget, nil
}

func (s *ChatService) GetSession(r *http.Request) (any, error) {
	sessionId, err := URLParamUUID(r, "session_id")
	if err != nil {
		return nil, err
	}

	session, err := s.chat.GetSession(r.Context(), sessionId)
	if err != nil {
		return nil, chatError(err)
	}

	return chat.ToApiSession(session), nil
}

func (s *ChatService) ListSessions(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.ListSessionsParams](r)
	if err != nil {
		return nil, err
	}

	sessions, err := s.chat.ListSessions(r.Context(), params.Status)
	if err != nil {
		return nil, chatError(err)
	}

	results := make([]api.ChatSession, 0, len(sessions))
	for _, session := range sessions {
		results = append(results, chat.ToApiSession(session))
	}

	return results, nil
}

func (s *ChatService) SendAgentMessage(r *http.Request) (any, error) {
	agent, err := requireAgent(r)
	if err != nil {
		return nil, err
	}

	sessionId, err := URLParamUUID(r, "session_id")
	if err != nil {
		return nil, err
	}

	req, err := ParseRequest[api.SendAgentMessageRequest](r)
	if err != nil {
		return nil, err
	}

	msg, err := s.chat.PostAgentMessage(r.Context(), sessionId, agent, req.Content, req.ClientMessageId)
	if err != nil {
		return nil, chatError(err)
	}

	return chat.ToApiMessage(msg), nil
}

func (s *ChatService) Assign(r *http.Request) (any, error) {
	agent, err := requireAgent(r)
	if err != nil {
		return nil, err
	}

	sessionId, err := URLParamUUID(r, "session_id")
	if err != nil {
		return nil, err
	}

	session, err := s.chat.Assign(r.Context(), sessionId, agent)
	if err != nil {
		return nil, chatError(err)
	}

	return chat.ToApiSession(session), nil
}

func (s *ChatService) End(r *http.Request) (any, error) {
	agent, err := requireAgent(r)
	if err != nil {
		return nil, err
	}

	sessionId, err := URLParamUUID(r, "session_id")
	if err != nil {
		return nil, err
	}

	session, err := s.chat.End(r.Context(), sessionId, agent)
	if err != nil {
		return nil, chatError(err)
	}

	return chat.ToApiSession(session), nil
}
