package kernel

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter gates a repeating event so that logging (or any other
// side-effecting call) cannot flood its sink. The first ImmediateBudget
// calls to ShouldTrigger always succeed; once that budget is exhausted,
// at most one trigger per Interval is allowed, mirroring
// original_source/kernel/source/utils/RateLimiter.c's two-phase policy.
//
// The cooldown phase is implemented on top of golang.org/x/time/rate: once
// the immediate budget is spent, a token-bucket limiter configured for
// exactly one token per Interval takes over.
type RateLimiter struct {
	mu sync.Mutex

	immediateBudget int
	immediateCount  int
	suppressedCount uint32

	limiter *rate.Limiter
	nowFn   func() time.Time
}

// NewRateLimiter builds a RateLimiter allowing immediateBudget unconditional
// triggers, followed by at most one trigger per interval.
func NewRateLimiter(immediateBudget int, interval time.Duration) *RateLimiter {
	if interval <= 0 {
		interval = time.Millisecond
	}
	return &RateLimiter{
		immediateBudget: immediateBudget,
		limiter:         rate.NewLimiter(rate.Every(interval), 1),
		nowFn:           time.Now,
	}
}

// Reset clears the accumulated counters without altering the configured
// budget or interval.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.immediateCount = 0
	r.suppressedCount = 0
}

// ShouldTrigger reports whether the caller may fire the rate-limited event
// now. When trigger is true, suppressed is the number of calls that were
// dropped since the previous trigger; it is 0 when trigger is false.
func (r *RateLimiter) ShouldTrigger() (trigger bool, suppressed uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.immediateCount < r.immediateBudget:
		r.immediateCount++
		// Drain the bucket so the cooldown starts from the latest
		// immediate trigger.
		r.limiter.AllowN(r.nowFn(), 1)
		trigger = true
	case r.limiter.AllowN(r.nowFn(), 1):
		trigger = true
	}

	if trigger {
		suppressed = r.suppressedCount
		r.suppressedCount = 0
		return true, suppressed
	}

	r.suppressedCount++
	return false, 0
}
