// Package client talks to the SupportHub chat api. Widget is the customer side
// and AgentConsole the agent side.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

var (
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrRateLimited  = errors.New("rate limited")
	ErrServer       = errors.New("server error")

	// ErrSessionEnded also matches ErrConflict when it comes from the server.
	ErrSessionEnded = errors.New("chat session has ended")
)

const defaultRequestTimeout = 30 * time.Second

type settings struct {
	httpClient *http.Client
	timeout    time.Duration
}

type Option func(*settings)

// WithHTTPClient replaces the transport, mostly for tests.
func WithHTTPClient(client *http.Client) Option {
	return func(s *settings) {
		s.httpClient = client
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(s *settings) {
		s.timeout = timeout
	}
}

func newRestClient(baseURL string, opts []Option) *resty.Client {
	s := settings{timeout: defaultRequestTimeout}
	for _, opt := range opts {
		opt(&s)
	}

	client := resty.New()
	if s.httpClient != nil {
		client = resty.NewWithClient(s.httpClient)
	}

	return client.
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(s.timeout).
		SetHeader("Accept", "application/json")
}

// statusError converts a non 2xx response into one of the sentinel errors.
func statusError(res *resty.Response) error {
	detail := strings.TrimSpace(res.String())

	var base error
	switch res.StatusCode() {
	case http.StatusBadRequest:
		base = ErrValidation
	case http.StatusUnauthorized:
		base = ErrUnauthorized
	case http.StatusForbidden:
		base = ErrForbidden
	case http.StatusNotFound:
		base = ErrNotFound
	case http.StatusConflict:
		if strings.Contains(detail, ErrSessionEnded.Error()) {
			return fmt.Errorf("%w: %w: %s", ErrSessionEnded, ErrConflict, detail)
		}
		base = ErrConflict
	case http.StatusTooManyRequests:
		if retry := res.Header().Get("Retry-After"); retry != "" {
			return fmt.Errorf("%w: retry after %ss", ErrRateLimited, retry)
		}
		base = ErrRateLimited
	default:
		base = ErrServer
	}

	if detail == "" {
		return fmt.Errorf("%w: status %d", base, res.StatusCode())
	}
	return fmt.Errorf("%w: %s", base, detail)
}

// do sends the request and decodes a successful body into T.
func do[T any](ctx context.Context, req *resty.Request, method, path string) (T, error) {
	var result T
	res, err := req.SetContext(ctx).SetResult(&result).Execute(method, path)
	if err != nil {
		return result, fmt.Errorf("%s %s failed: %w", method, path, err)
	}

	if !res.IsSuccess() {
		return result, statusError(res)
	}

	return result, nil
}
