// Package power is the sleep/wake collaborator.
package power

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"lorawan-node/internal/timer"
)

// ErrSleepDenied is returned when the hardware refuses to enter sleep.
var ErrSleepDenied = errors.New("sleep denied")

// Manager puts the device to sleep. wake runs once the device is awake
// again, with the time actually slept.
type Manager interface {
	Sleep(d time.Duration, wake func(slept time.Duration)) error
}

// Sim sleeps on a clock. A wake can also be forced, as an external
// interrupt would.
type Sim struct {
	clock  timer.Clock
	logger *slog.Logger

	mu     sync.Mutex
	deny   bool
	asleep bool
	start  time.Time
	cancel func() bool
	onWake func(time.Duration)
}

// NewSim creates a simulated power manager. A nil clock uses real time.
func NewSim(clock timer.Clock, logger *slog.Logger) *Sim {
	if clock == nil {
		clock = timer.RealClock()
	}
	return &Sim{clock: clock, logger: logger.With("component", "power")}
}

// Deny makes subsequent sleep requests fail.
func (s *Sim) Deny(deny bool) {
	s.mu.Lock()
	s.deny = deny
	s.mu.Unlock()
}

func (s *Sim) Sleep(d time.Duration, wake func(time.Duration)) error {
	if d <= 0 {
		return fmt.Errorf("sleep %v: %w", d, ErrSleepDenied)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deny || s.asleep {
		return ErrSleepDenied
	}
	s.asleep = true
	s.start = s.clock.Now()
	s.onWake = wake
	s.cancel = s.clock.AfterFunc(d, s.wake)
	s.logger.Debug("sleeping", "duration", d)
	return nil
}

// Wake ends a sleep early. It is a no-op when awake.
func (s *Sim) Wake() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.wake()
}

func (s *Sim) wake() {
	s.mu.Lock()
	if !s.asleep {
		s.mu.Unlock()
		return
	}
	s.asleep = false
	slept := s.clock.Now().Sub(s.start)
	fn := s.onWake
	s.onWake, s.cancel = nil, nil
	s.mu.Unlock()

	s.logger.Debug("woke up", "slept", slept)
	if fn != nil {
		fn(slept)
	}
}

// Asleep reports whether a sleep is in progress.
func (s *Sim) Asleep() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.asleep
}
