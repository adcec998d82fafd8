package bot

import (
	"sync"
	"time"

	clock "github.com/jonboulle/clockwork"
)

// rateLimiter enforces a per-sender sliding window. It also remembers
// whether the sender was already told to slow down inside the current
// window, so the warning goes out once per window and not per command.
type rateLimiter struct {
	clock  clock.Clock
	window time.Duration
	burst  int

	mu      sync.Mutex
	history map[int64][]time.Time
	warned  map[int64]time.Time
}

func newRateLimiter(c clock.Clock, window time.Duration, burst int) *rateLimiter {
	return &rateLimiter{
		clock:   c,
		window:  window,
		burst:   burst,
		history: make(map[int64][]time.Time),
		warned:  make(map[int64]time.Time),
	}
}

// Allow records one command attempt. allowed is whether it may be
// processed; warn is whether a slow-down reply should be sent for it.
func (r *rateLimiter) Allow(node int64) (allowed, warn bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	cutoff := now.Add(-r.window)

	recent := r.history[node][:0]
	for _, t := range r.history[node] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}

	if len(recent) < r.burst {
		r.history[node] = append(recent, now)
		return true, false
	}
	r.history[node] = recent

	if last, ok := r.warned[node]; !ok || !last.After(cutoff) {
		r.warned[node] = now
		return false, true
	}
	return false, false
}
