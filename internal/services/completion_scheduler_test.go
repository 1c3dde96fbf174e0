package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (f *fakeTimers) afterFunc(d time.Duration, fn func()) completionTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	timer := &fakeTimer{delay: d, fn: fn}
	f.timers = append(f.timers, timer)
	return timer
}

func (f *fakeTimers) last() *fakeTimer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.timers[len(f.timers)-1]
}

func TestCompletionSchedulerFiresOnce(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	timers := &fakeTimers{}
	var completed []string
	var logged []string

	scheduler, err := NewCompletionScheduler(CompletionSchedulerDeps{
		Complete: func(_ context.Context, orderID string) error {
			completed = append(completed, orderID)
			return errors.New("order moved on")
		},
		Clock: func() time.Time { return now },
		Logger: func(_ context.Context, event string, _ map[string]any) {
			logged = append(logged, event)
		},
		afterFunc: timers.afterFunc,
	})
	if err != nil {
		t.Fatalf("NewCompletionScheduler returned error: %v", err)
	}

	scheduler.Schedule("ord_1", now.Add(2*time.Hour))
	first := timers.last()
	if first.delay != 2*time.Hour {
		t.Fatalf("expected 2h delay, got %s", first.delay)
	}

	// Re-arming with the same deadline keeps the existing timer.
	scheduler.Schedule("ord_1", now.Add(2*time.Hour))
	if len(timers.timers) != 1 {
		t.Fatalf("expected a single timer, got %d", len(timers.timers))
	}

	scheduler.Schedule("ord_1", now.Add(-time.Minute))
	second := timers.last()
	if !first.stopped || second.delay != 0 {
		t.Fatalf("expected old timer stopped and overdue timer immediate, got %v %s", first.stopped, second.delay)
	}

	first.fn()
	if len(completed) != 0 {
		t.Fatalf("stale timer must not complete, got %v", completed)
	}
	second.fn()
	second.fn()
	if len(completed) != 1 || completed[0] != "ord_1" {
		t.Fatalf("expected exactly one completion, got %v", completed)
	}
	if len(logged) != 1 || logged[0] != "order.autocomplete.timer.failed" {
		t.Fatalf("expected failure to be logged, got %v", logged)
	}
	if scheduler.Pending() != 0 {
		t.Fatalf("expected no pending timers, got %d", scheduler.Pending())
	}
}

func TestCompletionSchedulerCancelAndStop(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	timers := &fakeTimers{}
	calls := 0
	scheduler, err := NewCompletionScheduler(CompletionSchedulerDeps{
		Complete:  func(context.Context, string) error { calls++; return nil },
		Clock:     func() time.Time { return now },
		afterFunc: timers.afterFunc,
	})
	if err != nil {
		t.Fatalf("NewCompletionScheduler returned error: %v", err)
	}

	scheduler.Schedule("ord_1", now.Add(time.Hour))
	scheduler.Schedule("ord_2", now.Add(time.Hour))
	scheduler.Cancel("ord_1")
	if !timers.timers[0].stopped || scheduler.Pending() != 1 {
		t.Fatalf("expected ord_1 disarmed, pending=%d", scheduler.Pending())
	}
	timers.timers[0].fn()
	if calls != 0 {
		t.Fatalf("cancelled timer completed an order")
	}

	scheduler.Stop()
	if !timers.timers[1].stopped || scheduler.Pending() != 0 {
		t.Fatalf("expected Stop to disarm everything")
	}
	scheduler.Schedule("ord_3", now.Add(time.Hour))
	if scheduler.Pending() != 0 {
		t.Fatalf("expected Schedule after Stop to be ignored")
	}
}

func TestNewCompletionSchedulerRequiresCallback(t *testing.T) {
	if _, err := NewCompletionScheduler(CompletionSchedulerDeps{}); err == nil {
		t.Fatalf("expected error without a complete callback")
	}
}
