package security

import (
	"sync"
	"time"
)

// RateLimiter bounds authentication traffic per source address using a
// fixed window. At most maxRequests attempts per window reach proof
// verification; past that the source is refused for the remainder of the
// window. Separately, maxFailures failed authentications inside one window
// block the source for the rest of it.
type RateLimiter struct {
	window      time.Duration
	maxRequests int
	maxFailures int

	mu      sync.Mutex
	sources map[string]*sourceState
}

type sourceState struct {
	windowStart  time.Time
	requests     int
	failures     int
	blockedUntil time.Time
	breached     bool
	lastSeen     time.Time
}

// NewRateLimiter builds a limiter allowing maxRequests attempts per window
// and tolerating maxFailures failed authentications before blocking.
func NewRateLimiter(window time.Duration, maxRequests, maxFailures int) *RateLimiter {
	return &RateLimiter{
		window:      window,
		maxRequests: maxRequests,
		maxFailures: maxFailures,
		sources:     make(map[string]*sourceState),
	}
}

func (r *RateLimiter) stateFor(addr string, now time.Time) *sourceState {
	st, ok := r.sources[addr]
	if !ok {
		st = &sourceState{windowStart: now}
		r.sources[addr] = st
	}
	if now.Sub(st.windowStart) >= r.window {
		st.windowStart = now
		st.requests = 0
		st.failures = 0
		st.blockedUntil = time.Time{}
		st.breached = false
	}
	st.lastSeen = now
	return st
}

// Allow reports whether an authentication attempt from addr may proceed.
// firstBreach is true exactly once per window, when the source first trips
// the limit, so callers can audit the breach without flooding the log.
func (r *RateLimiter) Allow(addr string, now time.Time) (allowed, firstBreach bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.stateFor(addr, now)
	if now.Before(st.blockedUntil) {
		return false, false
	}
	st.requests++
	if st.requests > r.maxRequests {
		st.blockedUntil = st.windowStart.Add(r.window)
		if !st.breached {
			st.breached = true
			return false, true
		}
		return false, false
	}
	return true, false
}

// RecordFailure notes a failed authentication from addr. Once failures in
// the current window reach the limit the source is blocked until the window
// rolls over; the return value is true on the attempt that triggers the
// block.
func (r *RateLimiter) RecordFailure(addr string, now time.Time) (nowBlocked bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.stateFor(addr, now)
	st.failures++
	if st.failures == r.maxFailures {
		st.blockedUntil = st.windowStart.Add(r.window)
		return true
	}
	return false
}

// RecordSuccess clears the failure count for addr. The request count is
// left alone so successful peers still respect the attempt cap.
func (r *RateLimiter) RecordSuccess(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.sources[addr]; ok {
		st.failures = 0
	}
}

// Blocked reports whether addr is currently blocked.
func (r *RateLimiter) Blocked(addr string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.sources[addr]
	return ok && now.Before(st.blockedUntil)
}

// Cleanup drops per-source state idle for more than two windows.
func (r *RateLimiter) Cleanup(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for addr, st := range r.sources {
		if now.Sub(st.lastSeen) > 2*r.window {
			delete(r.sources, addr)
			removed++
		}
	}
	return removed
}
