package limiter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Strategy decides whether one more request for key fits in the current
// window.
type Strategy interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

type Manager struct {
	strategy Strategy
	prefix   string
	limit    int
	window   time.Duration
}

func NewManager(strategy Strategy, prefix string, limit int, window time.Duration) *Manager {
	return &Manager{strategy: strategy, prefix: prefix, limit: limit, window: window}
}

func (m *Manager) Allow(ctx context.Context, key string) (bool, error) {
	if m.limit <= 0 {
		return true, nil
	}
	return m.strategy.Allow(ctx, m.prefix+key, m.limit, m.window)
}

func (m *Manager) Window() time.Duration {
	return m.window
}

// INCR and EXPIRE run in one script so the counter never outlives its window.
var fixedWindowScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
if current > tonumber(ARGV[1]) then
	return 0
end
return 1
`)

// FixedWindowStrategy counts requests in redis, so the limit is shared by every
// API instance.
type FixedWindowStrategy struct {
	rdb *redis.Client
}

func NewFixedWindowStrategy(rdb *redis.Client) *FixedWindowStrategy {
	return &FixedWindowStrategy{rdb: rdb}
}

func (s *FixedWindowStrategy) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	result, err := fixedWindowScript.Run(ctx, s.rdb, []string{key}, limit, window.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("error evaluating rate limit: %w", err)
	}
	return result == 1, nil
}

type window struct {
	count int
	reset time.Time
}

// MemoryStrategy is a fixed window counter local to this process.
type MemoryStrategy struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

func NewMemoryStrategy() *MemoryStrategy {
	return &MemoryStrategy{windows: make(map[string]*window), now: time.Now}
}

func (s *MemoryStrategy) Allow(ctx context.Context, key string, limit int, length time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	w := s.windows[key]
	if w == nil || !now.Before(w.reset) {
		s.evictExpired(now)
		w = &window{reset: now.Add(length)}
		s.windows[key] = w
	}

	w.count++
	return w.count <= limit, nil
}

func (s *MemoryStrategy) evictExpired(now time.Time) {
	for key, w := range s.windows {
		if !now.Before(w.reset) {
			delete(s.windows, key)
		}
	}
}
