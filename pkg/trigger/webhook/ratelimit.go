package webhook

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const maxIdleLimiters = 1024

// rateLimiter holds one token bucket per key. Each bucket refills rpm tokens per
// minute and holds at most rpm.
type rateLimiter struct {
	mu       sync.Mutex
	rpm      int
	limiters map[string]*rate.Limiter
}

func newRateLimiter(rpm int) *rateLimiter {
	return &rateLimiter{
		rpm:      rpm,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *rateLimiter) allow(key string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	limiter, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= maxIdleLimiters {
			l.pruneLocked(now)
		}

		limiter = rate.NewLimiter(rate.Limit(float64(l.rpm)/60), l.rpm)
		l.limiters[key] = limiter
	}

	return limiter.AllowN(now, 1)
}

// pruneLocked drops buckets that have fully refilled; recreating them is equivalent.
func (l *rateLimiter) pruneLocked(now time.Time) {
	for key, limiter := range l.limiters {
		if limiter.TokensAt(now) >= float64(l.rpm) {
			delete(l.limiters, key)
		}
	}
}

func (l *rateLimiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.limiters)
}
