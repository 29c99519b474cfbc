package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"supporthub/pkg/api"
)

const maxEventSize = 1 << 20

// openStream issues a GET for a server sent event stream. The stream client
// carries no timeout since the response stays open.
func openStream(ctx context.Context, client *http.Client, url string, header http.Header) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid stream url: %w", err)
	}
	for key, values := range header {
		req.Header[key] = values
	}
	req.Header.Set("Accept", "text/event-stream")

	res, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error opening event stream: %w", err)
	}

	if res.StatusCode != http.StatusOK {
		defer res.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, streamStatusError(res.StatusCode, strings.TrimSpace(string(body)))
	}

	return res.Body, nil
}

func streamStatusError(code int, detail string) error {
	var base error
	switch code {
	case http.StatusBadRequest:
		base = ErrValidation
	case http.StatusUnauthorized:
		base = ErrUnauthorized
	case http.StatusForbidden:
		base = ErrForbidden
	case http.StatusNotFound:
		base = ErrNotFound
	default:
		base = ErrServer
	}
	return fmt.Errorf("%w: %s", base, detail)
}

// readEvents decodes frames until the stream ends or handle returns false.
// Heartbeats are consumed here.
func readEvents(body io.Reader, handle func(api.ChatEvent) bool) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventSize)

	var name string
	var data strings.Builder

	for scanner.Scan() {
		line := scanner.Text()

		switch {
		case strings.HasPrefix(line, ":"):
			continue
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "":
			if data.Len() == 0 {
				name = ""
				continue
			}

			var event api.ChatEvent
			if err := json.Unmarshal([]byte(data.String()), &event); err != nil {
				return fmt.Errorf("invalid event payload: %w", err)
			}
			if event.Type == "" {
				event.Type = name
			}
			name = ""
			data.Reset()

			if event.Type == api.EventHeartbeat {
				continue
			}
			if !handle(event) {
				return nil
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("error reading event stream: %w", err)
	}
	return io.ErrUnexpectedEOF
}
