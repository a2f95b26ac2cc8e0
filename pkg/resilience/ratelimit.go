package resilience

import (
	"sync"
	"time"
)

// RateLimiter admits at most limit calls per key within any rolling window.
// Timestamps older than the window are evicted on each check, and keys left
// with none are dropped.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu        sync.Mutex
	keys      map[string][]time.Time
	lastSweep time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		keys:   make(map[string][]time.Time),
	}
}

func (l *RateLimiter) evict(times []time.Time, now time.Time) []time.Time {
	i := 0
	for i < len(times) && now.Sub(times[i]) >= l.window {
		i++
	}
	return times[i:]
}

// current returns key's live timestamps. Every other key is swept at most
// once per window so keys that are never seen again do not pile up. l.mu
// must be held.
func (l *RateLimiter) current(key string, now time.Time) []time.Time {
	if now.Sub(l.lastSweep) >= l.window {
		for k, times := range l.keys {
			if times = l.evict(times, now); len(times) == 0 {
				delete(l.keys, k)
			} else {
				l.keys[k] = times
			}
		}
		l.lastSweep = now
	}

	times := l.evict(l.keys[key], now)
	if len(times) == 0 {
		delete(l.keys, key)
		return nil
	}
	l.keys[key] = times
	return times
}

// Allow records a call for key and reports whether it may proceed.
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	times := l.current(key, now)
	if len(times) >= l.limit {
		return false
	}
	l.keys[key] = append(times, now)
	return true
}

// TimeUntilNextSlot is zero when a call for key would currently be admitted.
func (l *RateLimiter) TimeUntilNextSlot(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	times := l.current(key, now)
	if len(times) < l.limit {
		return 0
	}
	wait := l.window - now.Sub(times[0])
	if wait < 0 {
		return 0
	}
	return wait
}

// Len is the number of keys currently holding timestamps.
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}
