package handlers

import (
	"testing"
	"time"
)

func TestKeyedRateLimiterRefills(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := newKeyedRateLimiter(2, time.Minute, func() time.Time { return now })

	if !limiter.Allow("buyer-1") || !limiter.Allow("buyer-1") {
		t.Fatal("expected burst of two to pass")
	}
	if limiter.Allow("buyer-1") {
		t.Fatal("expected third call inside the window to be limited")
	}
	if !limiter.Allow("buyer-2") {
		t.Fatal("expected separate bucket per key")
	}

	now = now.Add(30 * time.Second)
	if !limiter.Allow("buyer-1") {
		t.Fatal("expected one token to refill after half the window")
	}
	if limiter.Allow("buyer-1") {
		t.Fatal("expected only one refilled token")
	}
}

func TestKeyedRateLimiterPrunesIdleBuckets(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	limiter := newKeyedRateLimiter(1, time.Minute, func() time.Time { return now }).(*keyedRateLimiter)

	limiter.Allow("a")
	limiter.Allow("b")
	now = now.Add(2 * time.Minute)
	limiter.Allow("c")

	if len(limiter.buckets) != 1 {
		t.Fatalf("expected idle buckets to be pruned, have %d", len(limiter.buckets))
	}
}

func TestNewKeyedRateLimiterDisabled(t *testing.T) {
	if newKeyedRateLimiter(0, time.Minute, nil) != nil {
		t.Fatal("expected nil limiter for zero burst")
	}
}
