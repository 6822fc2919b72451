// Package ratelimit implements a per-remote-address limiter applied
// once per inbound METHOD frame and once per inbound HTTP request. It
// wraps golang.org/x/time/rate, giving each address its own token
// bucket that holds up to max tokens and refills at max per window.
// It is not an exact sliding window: an address that drains its
// bucket is admitted again as tokens refill, so up to about twice max
// requests can pass within one window.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter tracks one token bucket per remote address. Entries are
// expired lazily: a background sweep (triggered by Allow calls, no
// dedicated goroutine) evicts buckets unused for longer than the
// configured window.
type Limiter struct {
	max           int
	window        time.Duration
	maxViolations int

	mu      sync.Mutex
	buckets map[string]*entry

	lastSweep time.Time
}

type entry struct {
	limiter           *rate.Limiter
	lastSeen          time.Time
	consecutiveDenied int
}

// New creates a Limiter allowing max requests per window, per remote
// address. maxViolations is the number of consecutive Allow rejections
// an address may accrue before ShouldForceClose reports true; 0
// disables forced close.
func New(max int, window time.Duration, maxViolations int) *Limiter {
	return &Limiter{
		max:           max,
		window:        window,
		maxViolations: maxViolations,
		buckets:       make(map[string]*entry),
	}
}

// Allow reports whether a request from addr may proceed under the
// current window, consuming one token if so. It also tracks
// consecutive rejections for ShouldForceClose.
func (l *Limiter) Allow(addr string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweepLocked()

	e, ok := l.buckets[addr]
	if !ok {
		e = &entry{limiter: rate.NewLimiter(rate.Limit(float64(l.max)/l.window.Seconds()), l.max)}
		l.buckets[addr] = e
	}
	e.lastSeen = time.Now()
	allowed := e.limiter.Allow()
	if allowed {
		e.consecutiveDenied = 0
	} else {
		e.consecutiveDenied++
	}
	return allowed
}

// ShouldForceClose reports whether addr has accrued enough consecutive
// violations since its last allowed request to warrant a forced close
// of its connection, per the "forced close after N consecutive
// violations" overflow rule.
func (l *Limiter) ShouldForceClose(addr string) bool {
	if l.maxViolations <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.buckets[addr]
	return ok && e.consecutiveDenied >= l.maxViolations
}

// sweepLocked evicts buckets idle for more than the window, bounded to
// run at most once per window to keep Allow cheap under steady load.
// Caller must hold l.mu.
func (l *Limiter) sweepLocked() {
	now := time.Now()
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now
	for addr, e := range l.buckets {
		if now.Sub(e.lastSeen) > l.window {
			delete(l.buckets, addr)
		}
	}
}

// Reset discards all tracked buckets. Primarily useful for tests.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets = make(map[string]*entry)
}

// TrackedAddresses returns the number of addresses currently holding a
// bucket, for diagnostics.
func (l *Limiter) TrackedAddresses() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
