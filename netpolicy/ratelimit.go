package netpolicy

import (
	"sync"
	"time"
)

const defaultWindow = 60 * time.Second

// limiter implements a fixed-window counter per opaque key, as specified:
// {count, resetAt}, window resets on first request after resetAt. Keys are
// opaque to this package — callers pass the bearer token if present,
// otherwise the remote peer identifier.
type limiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	counts map[string]*windowCount
}

type windowCount struct {
	count   int
	resetAt time.Time
}

func newLimiter(limit int, window time.Duration) *limiter {
	if limit <= 0 {
		limit = 30
	}
	if window <= 0 {
		window = defaultWindow
	}
	return &limiter{limit: limit, window: window, counts: make(map[string]*windowCount)}
}

// Allow reports whether key is within its rate limit, incrementing its
// window counter as a side effect.
func (l *limiter) Allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	wc, ok := l.counts[key]
	if !ok || now.After(wc.resetAt) {
		wc = &windowCount{count: 0, resetAt: now.Add(l.window)}
		l.counts[key] = wc
	}
	if wc.count >= l.limit {
		return false
	}
	wc.count++
	return true
}

// CheckRateLimit reports whether key is currently within the configured
// rate limit. Default: 30 requests per 60 seconds.
func (p *Policy) CheckRateLimit(key string) bool {
	return p.limiter.Allow(key)
}
