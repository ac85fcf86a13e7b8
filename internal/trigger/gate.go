// Package trigger gates acquisition start on an external digital line, or
// emits a trigger pulse for other subsystems.
package trigger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/mesofield/internal/acquisition"
	"github.com/banshee-data/mesofield/internal/timeutil"
)

// Mode selects the direction of the gate.
type Mode int

const (
	// PassThrough gates nothing: Wait returns immediately.
	PassThrough Mode = iota
	// Input waits for the external line to go active.
	Input
	// Output drives pulses on the output lines.
	Output
)

func (m Mode) String() string {
	switch m {
	case PassThrough:
		return "pass-through"
	case Input:
		return "input"
	case Output:
		return "output"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// DefaultPollInterval is the input line polling period.
const DefaultPollInterval = 100 * time.Millisecond

const deviceName = "trigger"

// Config configures a Gate.
type Config struct {
	Mode Mode
	// Channels is the number of output lines driven by Pulse.
	Channels     int
	PollInterval time.Duration
	Clock        timeutil.Clock
}

// Gate waits for or emits an external trigger.
type Gate struct {
	dio      DigitalIO
	mode     Mode
	channels int
	poll     time.Duration
	clock    timeutil.Clock

	mu   sync.Mutex
	used bool
}

// NewGate creates a gate over dio. dio may be nil for a pass-through gate.
func NewGate(dio DigitalIO, cfg Config) (*Gate, error) {
	if cfg.Mode != PassThrough && dio == nil {
		return nil, acquisition.ConfigErrorf("%s trigger gate needs a digital I/O device", cfg.Mode)
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Gate{
		dio:      dio,
		mode:     cfg.Mode,
		channels: cfg.Channels,
		poll:     cfg.PollInterval,
		clock:    cfg.Clock,
	}, nil
}

// Mode returns the gate direction.
func (g *Gate) Mode() Mode { return g.mode }

// Wait blocks until the input line is active and returns the time the
// trigger was observed. Pass-through and output gates return immediately.
func (g *Gate) Wait(ctx context.Context) (time.Time, error) {
	if g.mode != Input {
		return g.clock.Now(), nil
	}
	g.markUsed()

	diagf("waiting for trigger (poll %v)", g.poll)
	for {
		if err := ctx.Err(); err != nil {
			return time.Time{}, err
		}
		active, err := g.dio.Read(ctx)
		if err != nil {
			return time.Time{}, acquisition.DeviceError(deviceName, fmt.Errorf("read input: %w", err))
		}
		if active {
			at := g.clock.Now()
			diagf("trigger received at %s", at.Format(time.RFC3339Nano))
			return at, nil
		}
		g.clock.Sleep(g.poll)
	}
}

// Pulse raises every output line, holds for d and lowers them again. If ctx
// ends first the lines are lowered early and ctx's error is returned.
func (g *Gate) Pulse(ctx context.Context, d time.Duration) error {
	if g.mode != Output {
		return acquisition.ConfigErrorf("pulse requires an output gate, have %s", g.mode)
	}
	g.markUsed()

	if err := g.dio.Write(ctx, g.levels(true)); err != nil {
		return acquisition.DeviceError(deviceName, fmt.Errorf("raise output: %w", err))
	}
	// A cancelled pulse still lowers the lines before returning.
	select {
	case <-ctx.Done():
		diagf("pulse cut short: %v", ctx.Err())
	case <-g.clock.After(d):
	}
	if err := g.dio.Write(context.WithoutCancel(ctx), g.levels(false)); err != nil {
		opsf("failed to lower output after pulse: %v", err)
		return acquisition.DeviceError(deviceName, fmt.Errorf("lower output: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	diagf("pulsed %d lines for %v", g.channels, d)
	return nil
}

// Reset returns the lines used during the session to their inactive level.
// It is a no-op for a gate that was never used.
func (g *Gate) Reset(ctx context.Context) error {
	g.mu.Lock()
	used := g.used
	g.used = false
	g.mu.Unlock()
	if !used || g.mode == PassThrough {
		return nil
	}

	if g.mode == Output {
		if err := g.dio.Write(ctx, g.levels(false)); err != nil {
			return acquisition.DeviceError(deviceName, fmt.Errorf("lower output: %w", err))
		}
	}
	if err := g.dio.Reset(ctx); err != nil {
		return acquisition.DeviceError(deviceName, fmt.Errorf("reset: %w", err))
	}
	diagf("%s lines reset", g.mode)
	return nil
}

func (g *Gate) markUsed() {
	g.mu.Lock()
	g.used = true
	g.mu.Unlock()
}

func (g *Gate) levels(v bool) []bool {
	out := make([]bool, g.channels)
	for i := range out {
		out[i] = v
	}
	return out
}
