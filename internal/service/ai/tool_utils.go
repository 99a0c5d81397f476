package ai

import (
	"context"
	"sync"
	"time"
)

const (
	SearchRateLimit  = 10
	SearchRateWindow = time.Minute
)

type toolUserContextKey struct{}

type toolRateLimiter struct {
	limit  int
	window time.Duration
	mu     sync.Mutex
	hits   map[int64][]time.Time
}

func newToolRateLimiter(limit int, window time.Duration) *toolRateLimiter {
	return &toolRateLimiter{limit: limit, window: window, hits: make(map[int64][]time.Time)}
}

// Allow records a call for userID and reports whether it fits the window.
func (l *toolRateLimiter) Allow(userID int64) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	queue := l.hits[userID]
	cutoff := now.Add(-l.window)
	idx := 0
	for _, t := range queue {
		if t.After(cutoff) {
			break
		}
		idx++
	}
	queue = queue[idx:]
	if len(queue) >= l.limit {
		l.hits[userID] = queue
		return false
	}
	l.hits[userID] = append(queue, now)
	return true
}

// WithToolUser scopes tool calls made under ctx to userID.
func WithToolUser(ctx context.Context, userID int64) context.Context {
	if userID <= 0 {
		return ctx
	}
	return context.WithValue(ctx, toolUserContextKey{}, userID)
}

func ToolUserFromContext(ctx context.Context) (int64, bool) {
	userID, ok := ctx.Value(toolUserContextKey{}).(int64)
	return userID, ok && userID > 0
}
