// Package led drives the green/amber status indicator.
package led

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Color selects one of the two status LEDs.
type Color uint8

const (
	Green Color = iota
	Amber
)

func (c Color) String() string {
	if c == Amber {
		return "amber"
	}
	return "green"
}

// Indicator is the LED collaborator.
type Indicator interface {
	Set(c Color, on bool)
	Toggle(c Color)
}

// Memory keeps LED state in memory only.
type Memory struct {
	mu    sync.Mutex
	state [2]bool
}

func (m *Memory) Set(c Color, on bool) {
	m.mu.Lock()
	m.state[c&1] = on
	m.mu.Unlock()
}

func (m *Memory) Toggle(c Color) {
	m.mu.Lock()
	m.state[c&1] = !m.state[c&1]
	m.mu.Unlock()
}

// On reports whether c is lit.
func (m *Memory) On(c Color) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[c&1]
}

// DefaultRoot is the Linux LED class directory.
const DefaultRoot = "/sys/class/leds"

// Sysfs drives LEDs through the kernel LED class brightness files.
type Sysfs struct {
	mem    Memory
	paths  map[Color]string
	logger *slog.Logger
}

// NewSysfs maps each color to an LED name under root.
func NewSysfs(root string, names map[Color]string, logger *slog.Logger) *Sysfs {
	if root == "" {
		root = DefaultRoot
	}
	paths := make(map[Color]string, len(names))
	for c, name := range names {
		paths[c] = filepath.Join(root, name, "brightness")
	}
	return &Sysfs{paths: paths, logger: logger.With("component", "led")}
}

func (s *Sysfs) Set(c Color, on bool) {
	s.mem.Set(c, on)
	s.write(c, on)
}

func (s *Sysfs) Toggle(c Color) {
	s.mem.Toggle(c)
	s.write(c, s.mem.On(c))
}

func (s *Sysfs) write(c Color, on bool) {
	path, ok := s.paths[c]
	if !ok {
		return
	}
	v := "0"
	if on {
		v = "1"
	}
	if err := os.WriteFile(path, []byte(v), 0o644); err != nil {
		s.logger.Debug("led write failed", "led", c, "err", fmt.Errorf("%s: %w", path, err))
	}
}
