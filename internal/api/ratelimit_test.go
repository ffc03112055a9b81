package api

import (
	"testing"
	"time"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Stop()

	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if !rl.Allow("anon_a") || !rl.Allow("anon_a") {
		t.Fatal("expected the first two requests to pass")
	}
	if rl.Allow("anon_a") {
		t.Fatal("expected the third request inside the window to be limited")
	}
	if !rl.Allow("anon_b") {
		t.Fatal("limits must be per key")
	}

	now = now.Add(61 * time.Second)
	if !rl.Allow("anon_a") {
		t.Fatal("expected the window to slide")
	}
}

func TestRateLimiterEvictsIdleKeys(t *testing.T) {
	rl := NewRateLimiter(1, time.Minute)
	defer rl.Stop()

	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	rl.Allow("anon_a")

	now = now.Add(2 * time.Minute)
	rl.evict()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if _, ok := rl.requests["anon_a"]; ok {
		t.Fatal("expected idle key to be evicted")
	}
}
