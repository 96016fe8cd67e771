package security

import (
	"testing"
	"time"
)

func TestAllowCapsAttemptsInWindow(t *testing.T) {
	window := time.Minute
	maxRequests := 5
	r := NewRateLimiter(window, maxRequests, 3)

	now := time.Now()
	allowed := 0
	breaches := 0
	for i := 0; i < 20; i++ {
		ok, first := r.Allow("10.0.0.5:40000", now.Add(time.Duration(i)*time.Second))
		if ok {
			allowed++
		}
		if first {
			breaches++
		}
	}

	if allowed != maxRequests {
		t.Errorf("%d attempts reached verification, want exactly %d", allowed, maxRequests)
	}
	if breaches != 1 {
		t.Errorf("firstBreach signaled %d times, want exactly 1", breaches)
	}

	// The window rollover clears the breach.
	ok, _ := r.Allow("10.0.0.5:40000", now.Add(window+time.Second))
	if !ok {
		t.Error("source still refused after window rollover")
	}
}

func TestAllowIsPerSource(t *testing.T) {
	r := NewRateLimiter(time.Minute, 2, 3)
	now := time.Now()

	r.Allow("a:1", now)
	r.Allow("a:1", now)
	if ok, _ := r.Allow("a:1", now); ok {
		t.Fatal("source a not capped")
	}
	if ok, _ := r.Allow("b:1", now); !ok {
		t.Error("fresh source b refused because of a's traffic")
	}
}

func TestFailureBlocking(t *testing.T) {
	r := NewRateLimiter(time.Minute, 100, 3)
	now := time.Now()
	addr := "10.0.0.5:40000"

	if ok, _ := r.Allow(addr, now); !ok {
		t.Fatal("first attempt refused")
	}

	if r.RecordFailure(addr, now) {
		t.Error("blocked after 1 failure")
	}
	if r.RecordFailure(addr, now.Add(time.Second)) {
		t.Error("blocked after 2 failures")
	}
	if !r.RecordFailure(addr, now.Add(2*time.Second)) {
		t.Error("not blocked after 3 failures")
	}

	if !r.Blocked(addr, now.Add(3*time.Second)) {
		t.Error("Blocked() = false right after the block")
	}
	if ok, _ := r.Allow(addr, now.Add(10*time.Second)); ok {
		t.Error("Allow() let a blocked source through")
	}

	// The block ends when the window rolls over.
	if ok, _ := r.Allow(addr, now.Add(time.Minute+time.Second)); !ok {
		t.Error("source still blocked after window rollover")
	}
}

func TestRecordSuccessResetsFailures(t *testing.T) {
	r := NewRateLimiter(time.Minute, 100, 3)
	now := time.Now()
	addr := "10.0.0.5:40000"

	r.Allow(addr, now)
	r.RecordFailure(addr, now)
	r.RecordFailure(addr, now)
	r.RecordSuccess(addr)

	// Two more failures should not block; the counter restarted.
	if r.RecordFailure(addr, now.Add(time.Second)) {
		t.Error("blocked despite reset")
	}
	if r.RecordFailure(addr, now.Add(2*time.Second)) {
		t.Error("blocked despite reset")
	}
}

func TestCleanupDropsIdleSources(t *testing.T) {
	r := NewRateLimiter(time.Minute, 5, 3)
	now := time.Now()

	r.Allow("idle:1", now)
	r.Allow("busy:1", now)
	r.Allow("busy:1", now.Add(90*time.Second))

	removed := r.Cleanup(now.Add(3 * time.Minute))
	if removed != 1 {
		t.Errorf("Cleanup() = %d, want 1 (only the idle source)", removed)
	}
}
