// Package timer provides single-shot relative timers whose callbacks are
// delivered onto the owner's loop goroutine.
//
// A Timer's methods must only be called from the loop goroutine that the
// Service delivers to. Starting a running timer stops it first, and a fire
// that was already in flight when the timer was stopped or restarted is
// dropped.
package timer

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrPoolExhausted is returned by Create when every timer slot is taken.
	ErrPoolExhausted = errors.New("timer pool exhausted")
	// ErrInvalidDuration is returned by Start for non-positive durations.
	ErrInvalidDuration = errors.New("invalid timer duration")
)

// Service hands out timers from a bounded pool.
type Service struct {
	clock   Clock
	deliver func(func())
	max     int
	logger  *slog.Logger

	mu     sync.Mutex
	timers []*Timer
}

// NewService creates a timer service. deliver must run the given function
// on the loop goroutine; it may be called from any goroutine.
func NewService(clock Clock, max int, deliver func(func()), logger *slog.Logger) *Service {
	if clock == nil {
		clock = RealClock()
	}
	return &Service{
		clock:   clock,
		deliver: deliver,
		max:     max,
		logger:  logger.With("component", "timer"),
	}
}

// Create allocates a named timer.
func (s *Service) Create(name string) (*Timer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timers) >= s.max {
		return nil, fmt.Errorf("create %s: %w", name, ErrPoolExhausted)
	}
	t := &Timer{svc: s, name: name}
	s.timers = append(s.timers, t)
	return t, nil
}

// Count returns the number of allocated timers.
func (s *Service) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// StopAll stops every allocated timer. Loop goroutine only.
func (s *Service) StopAll() {
	s.mu.Lock()
	timers := make([]*Timer, len(s.timers))
	copy(timers, s.timers)
	s.mu.Unlock()
	for _, t := range timers {
		t.Stop()
	}
}

// Clock returns the service clock.
func (s *Service) Clock() Clock {
	return s.clock
}

// Timer is a single-shot relative timer.
type Timer struct {
	svc      *Service
	name     string
	gen      uint64
	running  bool
	deadline time.Time
	cancel   func() bool
}

// Name returns the timer name.
func (t *Timer) Name() string {
	return t.name
}

// Start arms the timer to call fn after d. A running timer is stopped first.
func (t *Timer) Start(d time.Duration, fn func()) error {
	if d <= 0 {
		return fmt.Errorf("start %s: %w", t.name, ErrInvalidDuration)
	}
	t.Stop()

	t.gen++
	gen := t.gen
	t.running = true
	t.deadline = t.svc.clock.Now().Add(d)
	t.cancel = t.svc.clock.AfterFunc(d, func() {
		t.svc.deliver(func() {
			if t.gen != gen || !t.running {
				t.svc.logger.Debug("stale timer fire dropped", "timer", t.name)
				return
			}
			t.running = false
			t.cancel = nil
			fn()
		})
	})
	return nil
}

// Stop disarms the timer. Stopping a timer that is not running is a no-op.
func (t *Timer) Stop() {
	if !t.running {
		return
	}
	t.running = false
	t.gen++
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
}

// IsRunning reports whether the timer is armed.
func (t *Timer) IsRunning() bool {
	return t.running
}

// Remaining returns the time left before the timer fires, or zero.
func (t *Timer) Remaining() time.Duration {
	if !t.running {
		return 0
	}
	if d := t.deadline.Sub(t.svc.clock.Now()); d > 0 {
		return d
	}
	return 0
}
