package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter keeps a timestamp log per key in process memory. Limits are
// per instance.
type MemoryLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	hits map[string][]time.Time
}

func NewMemoryLimiter(limit int, window time.Duration) *MemoryLimiter {
	return &MemoryLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		hits:   make(map[string][]time.Time),
	}
}

func (l *MemoryLimiter) Allow(ctx context.Context, key string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	log := prune(l.hits[key], now.Add(-l.window))

	d := Decision{Limit: l.limit}
	if len(log) < l.limit {
		log = append(log, now)
		d.Allowed = true
	}
	d.Remaining = l.limit - len(log)
	d.ResetAt = log[0].Add(l.window)

	l.hits[key] = log
	return d, nil
}

// prune drops timestamps at or before cutoff. The log is in insertion order.
func prune(log []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	return log[i:]
}

// Sweep removes keys whose whole log has left the window.
func (l *MemoryLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	removed := 0
	for key, log := range l.hits {
		if len(prune(log, cutoff)) == 0 {
			delete(l.hits, key)
			removed++
		}
	}
	return removed
}

func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hits)
}

// RunJanitor sweeps every interval until ctx is done.
func (l *MemoryLimiter) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
