package session

import (
	"sync"
	"time"
)

// opRateLimit is the secret-store operation cap from spec §4.3, separate
// from unlock backoff.
const opRateLimit = 30
const opRateWindow = time.Minute

type opWindow struct {
	windowStart time.Time
	count       int
	lastSeenAt  time.Time
}

// OpRateLimiter enforces "≤30 secret-store operations per minute per IP".
// It is intentionally simpler than BackoffStore: a fixed window counter is
// sufficient for this bound and does not need to survive a process
// restart.
type OpRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*opWindow
}

func NewOpRateLimiter() *OpRateLimiter {
	return &OpRateLimiter{windows: make(map[string]*opWindow)}
}

// Allow records one operation attempt from ip and reports whether it is
// within the per-minute budget.
func (l *OpRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.gcLocked(now)

	w, ok := l.windows[ip]
	if !ok || now.Sub(w.windowStart) >= opRateWindow {
		w = &opWindow{windowStart: now}
		l.windows[ip] = w
	}
	w.lastSeenAt = now
	w.count++
	return w.count <= opRateLimit
}

func (l *OpRateLimiter) gcLocked(now time.Time) {
	cutoff := now.Add(-ageOut)
	for ip, w := range l.windows {
		if w.lastSeenAt.Before(cutoff) {
			delete(l.windows, ip)
		}
	}
}
