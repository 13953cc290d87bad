package notify

import (
	"sync"
	"time"
)

// windowTracker is a sliding-window rate tracker keyed per destination
// endpoint. Discord allows 30 webhook requests per 60 seconds per endpoint.
type windowTracker struct {
	mu      sync.Mutex
	windows map[string][]time.Time
	limit   int
	window  time.Duration
	now     func() time.Time
}

func newWindowTracker(limit int, window time.Duration) *windowTracker {
	return &windowTracker{
		windows: make(map[string][]time.Time),
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// reserve records one request for key if the window has room and returns 0.
// When the window is full it records nothing and returns how long to wait
// until the oldest request falls out. Check and increment are a single
// atomic operation so concurrent callers cannot double-book a slot.
func (t *windowTracker) reserve(key string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	cutoff := now.Add(-t.window)

	valid := t.windows[key][:0]
	for _, ts := range t.windows[key] {
		if ts.After(cutoff) {
			valid = append(valid, ts)
		}
	}
	t.windows[key] = valid

	if len(valid) >= t.limit {
		return valid[0].Sub(cutoff)
	}

	t.windows[key] = append(valid, now)
	return 0
}
