package service

import (
	"sync"
	"time"
)

// Chat policy: nothing in the sync protocol bounds chat, so the server
// enforces its own limits — at most maxChatRunes per message and
// chatBurst messages per connection within chatWindow. Violations are
// dropped without a response.
const (
	maxChatRunes = 500
	chatBurst    = 20
	chatWindow   = 10 * time.Second
)

// chatLimiter is a per-connection sliding window rate limiter.
type chatLimiter struct {
	mu     sync.Mutex
	events map[string][]time.Time
	max    int
	window time.Duration
}

func newChatLimiter(max int, window time.Duration) *chatLimiter {
	return &chatLimiter{
		events: make(map[string][]time.Time),
		max:    max,
		window: window,
	}
}

func (l *chatLimiter) allow(connID string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := now.Add(-l.window)
	recent := pruneOld(l.events[connID], cutoff)
	if len(recent) >= l.max {
		l.events[connID] = recent
		return false
	}
	l.events[connID] = append(recent, now)
	return true
}

func (l *chatLimiter) forget(connID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.events, connID)
}

func pruneOld(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}
