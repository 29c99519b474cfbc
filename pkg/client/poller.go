package client

import (
	"context"
	"errors"
	"time"
)

const (
	DefaultListInterval    = 5 * time.Second
	DefaultSessionInterval = 2 * time.Second
)

// ErrStopPolling can be returned by a fetch function to end polling cleanly.
var ErrStopPolling = errors.New("stop polling")

// Poller calls a fetch function at a fixed interval. There is no backoff, a
// failed fetch is reported to OnError and the next tick runs as usual.
type Poller struct {
	Interval time.Duration
	OnError  func(error)
}

// Run fetches once immediately and then on every tick until ctx is done or
// fetch returns ErrStopPolling.
func (p Poller) Run(ctx context.Context, fetch func(context.Context) error) error {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultSessionInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := fetch(ctx); err != nil {
			if errors.Is(err, ErrStopPolling) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if p.OnError != nil {
				p.OnError(err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
