package agent

import (
	"sync"
	"time"
)

const (
	DefaultRateLimitWindow = 60 * time.Second
	DefaultRateLimitMax    = 10
)

type rateWindow struct {
	start time.Time
	count int
}

// RateLimiter is a fixed-window per-channel counter: the first message in a
// window starts it, and once max messages have been admitted every further
// message is denied until the window expires. Not a sliding window, so a
// burst can straddle two windows; kept simple on purpose.
type RateLimiter struct {
	window time.Duration
	max    int
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*rateWindow
}

func NewRateLimiter(window time.Duration, max int) *RateLimiter {
	if window <= 0 {
		window = DefaultRateLimitWindow
	}
	if max <= 0 {
		max = DefaultRateLimitMax
	}
	return &RateLimiter{
		window:  window,
		max:     max,
		now:     time.Now,
		windows: make(map[string]*rateWindow),
	}
}

// Allow reports whether a message in chatID may proceed, counting it if so.
func (rl *RateLimiter) Allow(chatID string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	w, ok := rl.windows[chatID]
	if !ok || now.Sub(w.start) >= rl.window {
		rl.windows[chatID] = &rateWindow{start: now, count: 1}
		return true
	}
	if w.count >= rl.max {
		return false
	}
	w.count++
	return true
}
