package power

import (
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"lorawan-node/internal/timer"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestSimSleepAndWake(t *testing.T) {
	clock := timer.NewFakeClock()
	p := NewSim(clock, newTestLogger())

	var slept time.Duration
	woke := 0
	if err := p.Sleep(10*time.Second, func(d time.Duration) { slept = d; woke++ }); err != nil {
		t.Fatal(err)
	}
	if !p.Asleep() {
		t.Fatal("not asleep")
	}
	if err := p.Sleep(time.Second, nil); !errors.Is(err, ErrSleepDenied) {
		t.Errorf("nested sleep: %v", err)
	}

	clock.Advance(9 * time.Second)
	if woke != 0 {
		t.Fatal("woke early")
	}
	clock.Advance(time.Second)
	if woke != 1 || slept != 10*time.Second {
		t.Fatalf("woke=%d slept=%v", woke, slept)
	}
	if p.Asleep() {
		t.Error("still asleep")
	}
}

func TestSimForcedWake(t *testing.T) {
	clock := timer.NewFakeClock()
	p := NewSim(clock, newTestLogger())

	woke := 0
	var slept time.Duration
	p.Sleep(time.Minute, func(d time.Duration) { slept = d; woke++ })
	clock.Advance(3 * time.Second)
	p.Wake()
	p.Wake()
	clock.Advance(time.Minute)

	if woke != 1 {
		t.Fatalf("woke %d times", woke)
	}
	if slept != 3*time.Second {
		t.Errorf("slept = %v", slept)
	}
}

func TestSimDeny(t *testing.T) {
	p := NewSim(timer.NewFakeClock(), newTestLogger())
	p.Deny(true)
	if err := p.Sleep(time.Second, func(time.Duration) {}); !errors.Is(err, ErrSleepDenied) {
		t.Fatalf("got %v", err)
	}
	if p.Asleep() {
		t.Error("asleep after denial")
	}
	if err := p.Sleep(0, nil); !errors.Is(err, ErrSleepDenied) {
		t.Errorf("zero duration: %v", err)
	}
}
