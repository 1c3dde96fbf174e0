package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

const defaultCompletionTimeout = 30 * time.Second

type completionTimer interface {
	Stop() bool
}

// CompletionSchedulerDeps configures the in-process auto-complete timers.
type CompletionSchedulerDeps struct {
	// Complete is invoked when an order's timer fires.
	Complete func(ctx context.Context, orderID string) error
	Timeout  time.Duration
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)

	afterFunc func(d time.Duration, fn func()) completionTimer
}

type scheduledCompletion struct {
	timer completionTimer
	at    time.Time
}

// CompletionScheduler keeps one timer per IN_PROGRESS order. Timers are a latency
// optimisation; the periodic sweep is what guarantees completion after a restart.
type CompletionScheduler struct {
	complete  func(context.Context, string) error
	timeout   time.Duration
	clock     func() time.Time
	logger    func(context.Context, string, map[string]any)
	afterFunc func(time.Duration, func()) completionTimer

	mu      sync.Mutex
	pending map[string]scheduledCompletion
	stopped bool
}

var _ AutoCompleteScheduler = (*CompletionScheduler)(nil)

// NewCompletionScheduler constructs a scheduler. Complete may close over a service
// constructed afterwards.
func NewCompletionScheduler(deps CompletionSchedulerDeps) (*CompletionScheduler, error) {
	if deps.Complete == nil {
		return nil, errors.New("completion scheduler: complete callback is required")
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = defaultCompletionTimeout
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	afterFunc := deps.afterFunc
	if afterFunc == nil {
		afterFunc = func(d time.Duration, fn func()) completionTimer {
			return time.AfterFunc(d, fn)
		}
	}
	return &CompletionScheduler{
		complete:  deps.Complete,
		timeout:   timeout,
		clock:     clock,
		logger:    logger,
		afterFunc: afterFunc,
		pending:   make(map[string]scheduledCompletion),
	}, nil
}

// Schedule arms or re-arms the timer for orderID.
func (s *CompletionScheduler) Schedule(orderID string, at time.Time) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if existing, ok := s.pending[orderID]; ok {
		if existing.at.Equal(at) {
			return
		}
		existing.timer.Stop()
	}
	delay := max(at.Sub(s.clock()), 0)
	entry := scheduledCompletion{at: at}
	entry.timer = s.afterFunc(delay, func() { s.fire(orderID, at) })
	s.pending[orderID] = entry
}

// Cancel disarms the timer for orderID if one is pending.
func (s *CompletionScheduler) Cancel(orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.pending[orderID]; ok {
		existing.timer.Stop()
		delete(s.pending, orderID)
	}
}

// Pending returns the number of armed timers.
func (s *CompletionScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Stop disarms every timer. Schedule is a no-op afterwards.
func (s *CompletionScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, entry := range s.pending {
		entry.timer.Stop()
		delete(s.pending, id)
	}
}

func (s *CompletionScheduler) fire(orderID string, at time.Time) {
	s.mu.Lock()
	entry, ok := s.pending[orderID]
	if !ok || !entry.at.Equal(at) || s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.pending, orderID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.complete(ctx, orderID); err != nil {
		s.logger(ctx, "order.autocomplete.timer.failed", map[string]any{
			"orderId": orderID,
			"dueAt":   at,
			"error":   err.Error(),
		})
	}
}
