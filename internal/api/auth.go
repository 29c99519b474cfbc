package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"supporthub/internal/chat"

	"github.com/golang-jwt/jwt/v5"
)

// AgentClaims identify a support agent. The subject is the agent id.
type AgentClaims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

type Auth struct {
	secret []byte
}

func NewAuth(secret string) (*Auth, error) {
	if secret == "" {
		return nil, errors.New("jwt secret must not be empty")
	}
	return &Auth{secret: []byte(secret)}, nil
}

func (a *Auth) IssueAgentToken(agent chat.Agent, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AgentClaims{
		Name: agent.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agent.Id,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Auth) ValidateToken(token string) (chat.Agent, error) {
	claims := &AgentClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return chat.Agent{}, err
	}
	if claims.Subject == "" {
		return chat.Agent{}, errors.New("token has no subject")
	}
	return chat.Agent{Id: claims.Subject, Name: claims.Name}, nil
}

type agentContextKey struct{}

func AgentFromContext(ctx context.Context) (chat.Agent, bool) {
	agent, ok := ctx.Value(agentContextKey{}).(chat.Agent)
	return agent, ok
}

// bearerToken reads the Authorization header, falling back to the token query
// param since browsers cannot set headers on EventSource or WebSocket requests.
func bearerToken(r *http.Request) (string, bool) {
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || token == "" {
			return "", false
		}
		return token, true
	}

	token := strings.TrimPrefix(r.URL.Query().Get("token"), "Bearer ")
	return token, token != ""
}

func (a *Auth) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			http.Error(w, "missing or malformed authorization token", http.StatusUnauthorized)
			return
		}

		agent, err := a.ValidateToken(token)
		if err != nil {
			slog.Warn("rejected agent token", "error", err)
			http.Error(w, "invalid authorization token", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), agentContextKey{}, agent)))
	})
}

func requireAgent(r *http.Request) (chat.Agent, error) {
	agent, ok := AgentFromContext(r.Context())
	if !ok {
		return chat.Agent{}, CodedErrorf(http.StatusUnauthorized, "agent credentials required")
	}
	return agent, nil
}
