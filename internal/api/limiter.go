package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdle is the shortest time an unused limiter is kept.
const limiterIdle = 10 * time.Minute

type userLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// TradeLimiter throttles trade requests per participant. Limiters that sit
// idle long enough to refill their burst are evicted.
type TradeLimiter struct {
	mu        sync.Mutex
	limiters  map[string]*userLimiter
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

// NewTradeLimiter allows perSecond sustained trades with the given burst.
// A non-positive rate disables limiting.
func NewTradeLimiter(perSecond float64, burst int) *TradeLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	idle := limiterIdle
	if perSecond > 0 {
		if refill := time.Duration(float64(burst) / perSecond * float64(time.Second)); refill > idle {
			idle = refill
		}
	}
	return &TradeLimiter{
		limiters: make(map[string]*userLimiter),
		limit:    limit,
		burst:    burst,
		idle:     idle,
		now:      time.Now,
	}
}

// Allow reports whether userID may trade now.
func (l *TradeLimiter) Allow(userID string) bool {
	now := l.now()
	l.mu.Lock()
	if now.Sub(l.lastSweep) >= l.idle {
		l.sweep(now)
	}
	ul, ok := l.limiters[userID]
	if !ok {
		ul = &userLimiter{lim: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[userID] = ul
	}
	ul.lastSeen = now
	l.mu.Unlock()
	return ul.lim.AllowN(now, 1)
}

// Len is the number of tracked participants.
func (l *TradeLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// sweep drops limiters idle for at least l.idle. Callers hold l.mu.
func (l *TradeLimiter) sweep(now time.Time) {
	for id, ul := range l.limiters {
		if now.Sub(ul.lastSeen) >= l.idle {
			delete(l.limiters, id)
		}
	}
	l.lastSweep = now
}
