package illumination

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/banshee-data/mesofield/internal/acquisition"
)

var (
	// ErrNotLoaded is returned by Start before a successful Load.
	ErrNotLoaded = errors.New("illumination pattern not loaded")
	// ErrSequenceRunning is returned by Load while the hardware sequence runs.
	ErrSequenceRunning = errors.New("illumination sequence running")
)

const deviceName = "illumination"

// Sequencer loads a cyclic pattern onto a Device and starts and stops its
// hardware sequence around camera acquisition.
type Sequencer struct {
	dev   Device
	prime string

	mu      sync.Mutex
	pattern []string
	loaded  bool
	primed  bool
	running bool
}

// NewSequencer creates a sequencer for a freshly powered device. prime is
// the value written once before the first Start to open serial
// communication; empty means the first pattern token.
func NewSequencer(dev Device, prime string) *Sequencer {
	return &Sequencer{dev: dev, prime: prime}
}

// ValidatePattern checks a pattern before it reaches the device.
func ValidatePattern(pattern []string) error {
	if len(pattern) == 0 {
		return acquisition.ConfigErrorf("illumination pattern is empty")
	}
	for i, tok := range pattern {
		if tok == "" || strings.ContainsAny(tok, ", \t\r\n") {
			return acquisition.ConfigErrorf("illumination pattern token %d (%q) is invalid", i, tok)
		}
	}
	return nil
}

// Load uploads pattern and waits for the device to echo its length. Loading
// is only allowed between sessions.
func (s *Sequencer) Load(ctx context.Context, pattern []string) error {
	if err := ValidatePattern(pattern); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrSequenceRunning
	}

	n, err := s.dev.LoadSequence(ctx, pattern)
	if err != nil {
		s.loaded = false
		return acquisition.DeviceError(deviceName, fmt.Errorf("load sequence: %w", err))
	}
	if n != len(pattern) {
		s.loaded = false
		return acquisition.DeviceError(deviceName, fmt.Errorf("device echoed pattern length %d, loaded %d", n, len(pattern)))
	}

	s.pattern = append(s.pattern[:0], pattern...)
	s.loaded = true
	diagf("loaded pattern %v", pattern)
	return nil
}

// Prime performs the warm-up value write the device needs after power-up.
// Start calls it automatically the first time.
func (s *Sequencer) Prime(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primeLocked(ctx)
}

func (s *Sequencer) primeLocked(ctx context.Context) error {
	value := s.prime
	if value == "" {
		if len(s.pattern) == 0 {
			return ErrNotLoaded
		}
		value = s.pattern[0]
	}
	if err := s.dev.SetValue(ctx, value); err != nil {
		return acquisition.DeviceError(deviceName, fmt.Errorf("prime with %q: %w", value, err))
	}
	s.primed = true
	diagf("primed with %q", value)
	return nil
}

// Start begins per-trigger cycling. It is a no-op when already running.
func (s *Sequencer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return ErrNotLoaded
	}
	if s.running {
		return nil
	}
	if !s.primed {
		if err := s.primeLocked(ctx); err != nil {
			return err
		}
	}
	if err := s.dev.StartSequence(ctx); err != nil {
		return acquisition.DeviceError(deviceName, fmt.Errorf("start sequence: %w", err))
	}
	s.running = true
	diagf("sequence started")
	return nil
}

// Stop halts cycling. It is a no-op when not running. A failed stop still
// clears the running flag so the next session can load a new pattern.
func (s *Sequencer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false
	if err := s.dev.StopSequence(ctx); err != nil {
		opsf("stop sequence failed, device state unknown: %v", err)
		return acquisition.DeviceError(deviceName, fmt.Errorf("stop sequence: %w", err))
	}
	diagf("sequence stopped")
	return nil
}

// Pattern returns a copy of the loaded pattern.
func (s *Sequencer) Pattern() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pattern...)
}

// Running reports whether the hardware sequence was started and not stopped.
func (s *Sequencer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
