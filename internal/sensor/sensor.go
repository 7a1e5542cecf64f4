// Package sensor provides the temperature source sampled for demo uplinks.
package sensor

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
)

// Temperature reads degrees Celsius.
type Temperature interface {
	Celsius() (float64, error)
}

// Fahrenheit converts Celsius to Fahrenheit.
func Fahrenheit(c float64) float64 {
	return c*9/5 + 32
}

// Sim is a settable temperature source.
type Sim struct {
	mu sync.Mutex
	c  float64
}

// NewSim returns a source reporting c degrees.
func NewSim(c float64) *Sim {
	return &Sim{c: c}
}

func (s *Sim) Celsius() (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c, nil
}

// Set changes the reported temperature.
func (s *Sim) Set(c float64) {
	s.mu.Lock()
	s.c = c
	s.mu.Unlock()
}

// DefaultThermalPaths are the sysfs files probed by Sysfs.
var DefaultThermalPaths = []string{
	"/sys/class/thermal/thermal_zone0/temp",
	"/sys/devices/virtual/thermal/thermal_zone0/temp",
}

// Sysfs reads a thermal zone reported in millidegrees.
type Sysfs struct {
	Paths []string
}

func (s Sysfs) Celsius() (float64, error) {
	paths := s.Paths
	if len(paths) == 0 {
		paths = DefaultThermalPaths
	}
	var errs []error
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		milli, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", path, err))
			continue
		}
		return math.Round(float64(milli)/100) / 10, nil
	}
	return 0, fmt.Errorf("read temperature: %w", errors.Join(errs...))
}
