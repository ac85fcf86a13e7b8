package coordinator

import (
	"context"
	"errors"
	"io/fs"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mesofield/internal/acquisition"
	"github.com/banshee-data/mesofield/internal/camera"
	"github.com/banshee-data/mesofield/internal/fsutil"
	"github.com/banshee-data/mesofield/internal/illumination"
	"github.com/banshee-data/mesofield/internal/metrics"
	"github.com/banshee-data/mesofield/internal/persist"
	"github.com/banshee-data/mesofield/internal/serialmux"
	"github.com/banshee-data/mesofield/internal/timeutil"
	"github.com/banshee-data/mesofield/internal/trigger"
)

var (
	t0         = time.Date(2024, 3, 14, 9, 0, 0, 0, time.UTC)
	ledPattern = []string{"4", "4", "16", "16"}
)

const (
	mesoPath  = "/data/sub-01/meso.ome.tiff"
	pupilPath = "/data/sub-01/pupil.ome.tiff"
)

// startLink runs the monitor loop of an emulated serial link for the test.
func startLink(t *testing.T, name string, fw serialmux.Firmware) (*serialmux.SerialMux[*serialmux.EmulatedPort], *serialmux.EmulatedPort) {
	t.Helper()
	port := serialmux.NewEmulatedPort(fw)
	link := serialmux.NewSerialMux(name, port)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = link.Monitor(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		link.Close()
		<-done
	})
	return link, port
}

type rig struct {
	clock *timeutil.MockClock
	fs    *fsutil.MemoryFileSystem
	meso  *camera.Simulated
	pupil *camera.Simulated
	led   *illumination.Firmware
	port  *serialmux.EmulatedPort
	cfg   Config
}

func newRig(t *testing.T) *rig {
	t.Helper()
	clk := timeutil.NewMockClock(t0)
	fw := illumination.NewFirmware()
	link, port := startLink(t, "led", fw.Handle)

	r := &rig{
		clock: clk,
		fs:    fsutil.NewMemoryFileSystem(),
		meso:  camera.NewSimulated(camera.SimulatedConfig{Name: "Dhyana", Width: 4, Height: 4, FPS: 50, Clock: clk}),
		pupil: camera.NewSimulated(camera.SimulatedConfig{Name: "ThorCam", Width: 4, Height: 4, FPS: 34, Clock: clk}),
		led:   fw,
		port:  port,
	}
	r.cfg = Config{
		Duration:        2 * time.Second,
		SafetyMargin:    5,
		TimingTolerance: 50 * time.Millisecond,
		BigTIFF:         true,
		Illumination:    illumination.NewSequencer(illumination.NewSwitchDevice(link).WithTimeout(time.Second), "4"),
		Pattern:         ledPattern,
		FS:              r.fs,
		Clock:           clk,
	}
	r.cfg.Cameras[0] = Camera{Core: r.meso, FPS: 50, Output: mesoPath}
	r.cfg.Cameras[1] = Camera{Core: r.pupil, FPS: 34, Output: pupilPath}
	return r
}

// fakeGate is an in-memory Gate whose Wait blocks until released.
type fakeGate struct {
	mode    trigger.Mode
	release chan time.Time
	waiting chan struct{}

	mu     sync.Mutex
	pulses []time.Duration
	resets int
}

func newFakeGate(mode trigger.Mode) *fakeGate {
	return &fakeGate{mode: mode, release: make(chan time.Time, 1), waiting: make(chan struct{}, 1)}
}

func (g *fakeGate) Mode() trigger.Mode { return g.mode }

func (g *fakeGate) Wait(ctx context.Context) (time.Time, error) {
	select {
	case g.waiting <- struct{}{}:
	default:
	}
	select {
	case at := <-g.release:
		return at, nil
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	}
}

func (g *fakeGate) Pulse(_ context.Context, d time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pulses = append(g.pulses, d)
	return nil
}

func (g *fakeGate) Reset(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resets++
	return nil
}

func (g *fakeGate) counts() (pulses, resets int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pulses), g.resets
}

func TestFrameCount(t *testing.T) {
	tests := []struct {
		duration time.Duration
		fps      float64
		want     int
	}{
		{60 * time.Second, 50, 3000},
		{60 * time.Second, 34, 2040},
		{1500 * time.Millisecond, 33.3, 50},
		{time.Second, 0.4, 0},
		{0, 50, 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FrameCount(tt.duration, tt.fps), "%v at %v fps", tt.duration, tt.fps)
	}
}

func TestPlans(t *testing.T) {
	c := New(Config{
		Duration:     60 * time.Second,
		SafetyMargin: 10,
		Cameras:      [2]Camera{{FPS: 50}, {FPS: 34}},
	})
	plans, err := c.Plans()
	require.NoError(t, err)
	assert.Equal(t, acquisition.SequencePlan{FrameCount: 3000}, plans[0])
	assert.Equal(t, acquisition.SequencePlan{FrameCount: 2050}, plans[1])
}

func TestPlans_ConfigurationErrors(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"negative duration", Config{Duration: -time.Second, Cameras: [2]Camera{{FPS: 50}, {FPS: 34}}}},
		{"negative margin", Config{Duration: time.Second, SafetyMargin: -1, Cameras: [2]Camera{{FPS: 50}, {FPS: 34}}}},
		{"zero fps", Config{Duration: time.Second, Cameras: [2]Camera{{FPS: 50}, {FPS: 0}}}},
		{"zero duration", Config{SafetyMargin: 5, Cameras: [2]Camera{{FPS: 50}, {FPS: 34}}}},
		{"rounds to no frames", Config{Duration: time.Second, SafetyMargin: 5, Cameras: [2]Camera{{FPS: 50}, {FPS: 0.4}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg).Plans()
			assert.ErrorIs(t, err, acquisition.ErrConfiguration)
		})
	}
}

func TestRun_BothCamerasWriteEveryFrame(t *testing.T) {
	r := newRig(t)
	reg := prometheus.NewRegistry()
	r.cfg.Metrics = metrics.New(reg)
	c := New(r.cfg)

	rep, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Closed, rep.State)
	assert.Equal(t, Closed, c.State())
	assert.NotEmpty(t, rep.SessionID)
	assert.False(t, rep.Started.IsZero())
	assert.False(t, rep.Finished.Before(rep.Started))

	meso, pupil := rep.Cameras[0], rep.Cameras[1]
	assert.Equal(t, "Dhyana", meso.Camera)
	assert.Equal(t, 100, meso.Expected)
	assert.Equal(t, 100, meso.Drained)
	assert.Equal(t, 100, meso.Written)
	assert.Equal(t, 0, meso.Lost())
	assert.Equal(t, 100, meso.Timing.Frames)

	assert.Equal(t, "ThorCam", pupil.Camera)
	assert.Equal(t, 73, pupil.Expected, "68 planned + 5 margin")
	assert.Equal(t, 73, pupil.Written)
	assert.Equal(t, 0, pupil.Lost())
	assert.True(t, rep.SkewMeasured)

	for _, cam := range rep.Cameras {
		records, _, err := persist.ReadRecords(r.fs, cam.Path)
		require.NoError(t, err)
		require.Len(t, records, cam.Expected)
		for i, rec := range records {
			require.Equal(t, i, rec.Index)
			require.Equal(t, cam.Camera, rec.Camera)
		}
	}

	// The illumination pattern was loaded, primed, started and stopped.
	assert.Equal(t, []string{"LOAD 4,4,16,16", "SET 4", "START", "STOP"}, r.port.Commands())
	assert.Equal(t, ledPattern, r.led.Pattern())
	assert.False(t, r.led.Cycling())

	p := c.Progress()
	assert.Equal(t, "closed", p.State)
	assert.Equal(t, rep.SessionID, p.SessionID)
	assert.Equal(t, CameraProgress{Camera: "Dhyana", Expected: 100, Drained: 100, Written: 100}, p.Cameras[0])

	n, err := testutil.GatherAndCount(reg, "mesofield_sessions_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRun_MultiChannelCamera(t *testing.T) {
	r := newRig(t)
	r.pupil = camera.NewSimulated(camera.SimulatedConfig{Name: "Split", Width: 4, Height: 4, Channels: 2, FPS: 34, Clock: r.clock})
	r.cfg.Cameras[1].Core = r.pupil
	r.cfg.Duration = time.Second
	r.cfg.SafetyMargin = 0

	rep, err := New(r.cfg).Run(context.Background())
	require.NoError(t, err)

	pupil := rep.Cameras[1]
	assert.Equal(t, 2, pupil.Channels)
	assert.Equal(t, 68, pupil.Expected)
	assert.Equal(t, 68, pupil.Written)
	assert.Equal(t, 34, pupil.Timing.Frames, "timing uses channel 0 only")

	records, _, err := persist.ReadRecords(r.fs, pupilPath)
	require.NoError(t, err)
	for i, rec := range records {
		assert.Equal(t, i/2, rec.Sequence)
		assert.Equal(t, i%2, rec.Channel)
	}
}

func TestRun_OverflowFaultsAndFlushesBothCameras(t *testing.T) {
	r := newRig(t)
	r.meso = camera.NewSimulated(camera.SimulatedConfig{Name: "Dhyana", Width: 4, Height: 4, FPS: 50, OverflowAfter: 10, Clock: r.clock})
	r.cfg.Cameras[0].Core = r.meso
	c := New(r.cfg)

	rep, err := c.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, acquisition.ErrBufferOverflow)
	assert.Equal(t, Faulted, rep.State)
	assert.Equal(t, Faulted, c.State())

	meso := rep.Cameras[0]
	assert.True(t, meso.Overflowed)
	assert.ErrorIs(t, meso.Err, acquisition.ErrBufferOverflow)
	assert.Equal(t, 10, meso.Drained)
	assert.Equal(t, 10, meso.Written, "frames drained before the overflow are kept")
	assert.Equal(t, 90, meso.Lost())

	pupil := rep.Cameras[1]
	assert.NoError(t, pupil.Err)
	assert.Equal(t, pupil.Drained, pupil.Written)
	assert.LessOrEqual(t, pupil.Written, pupil.Expected)

	assert.True(t, r.fs.IsClosed(mesoPath))
	assert.True(t, r.fs.IsClosed(pupilPath))
	assert.False(t, r.led.Cycling(), "illumination stopped by teardown")

	records, _, err := persist.ReadRecords(r.fs, mesoPath)
	require.NoError(t, err)
	assert.Len(t, records, 10)
}

func TestRun_ConfigurationErrorTouchesNoHardware(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty pattern", func(c *Config) { c.Pattern = nil }},
		{"missing output", func(c *Config) { c.Cameras[1].Output = "" }},
		{"shared output", func(c *Config) { c.Cameras[1].Output = mesoPath }},
		{"bad fps", func(c *Config) { c.Cameras[0].FPS = -1 }},
		{"zero duration", func(c *Config) { c.Duration = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t)
			tt.mutate(&r.cfg)

			rep, err := New(r.cfg).Run(context.Background())
			assert.ErrorIs(t, err, acquisition.ErrConfiguration)
			assert.Equal(t, Closed, rep.State)
			assert.Equal(t, err, rep.Err)

			starts, _, _, _ := r.meso.Counters()
			assert.Zero(t, starts)
			starts, _, _, _ = r.pupil.Counters()
			assert.Zero(t, starts)
			assert.Empty(t, r.port.Commands())
			_, err = r.fs.Stat(mesoPath)
			assert.ErrorIs(t, err, fs.ErrNotExist)
		})
	}
}

func TestRun_ContainerOpenFailure(t *testing.T) {
	r := newRig(t)
	r.fs.FailCreate(pupilPath, errors.New("disk full"))

	rep, err := New(r.cfg).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, Closed, rep.State)

	starts, _, _, _ := r.meso.Counters()
	assert.Zero(t, starts)
	assert.True(t, r.fs.IsClosed(mesoPath), "the container that did open is closed")
	assert.Empty(t, r.port.Commands())
}

func TestRun_IlluminationFailureIsFatalForSetup(t *testing.T) {
	r := newRig(t)
	link, _ := startLink(t, "led-offline", func(string) []string { return []string{"ERR offline"} })
	r.cfg.Illumination = illumination.NewSequencer(illumination.NewSwitchDevice(link).WithTimeout(time.Second), "4")

	rep, err := New(r.cfg).Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, acquisition.ErrDeviceCommunication)
	assert.Equal(t, Closed, rep.State)
	starts, _, _, _ := r.meso.Counters()
	assert.Zero(t, starts)
	assert.True(t, r.fs.IsClosed(mesoPath))
	assert.True(t, r.fs.IsClosed(pupilPath))
}

func TestRun_WaitsForSerialTrigger(t *testing.T) {
	r := newRig(t)
	fw := trigger.NewFirmware()
	fw.ActivateAfterReads = 3
	link, _ := startLink(t, "dio", fw.Handle)
	gate, err := trigger.NewGate(trigger.NewSerialIO(link, time.Second), trigger.Config{
		Mode:         trigger.Input,
		PollInterval: 100 * time.Millisecond,
		Clock:        timeutil.NewMockClock(t0),
	})
	require.NoError(t, err)
	r.cfg.Gate = gate

	rep, err := New(r.cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, t0.Add(200*time.Millisecond), rep.TriggerAt)
	assert.Equal(t, 100, rep.Cameras[0].Written)
	assert.Equal(t, 1, fw.Resets(), "input line reset after the session")
}

func TestRun_OutputGatePulsesAndResets(t *testing.T) {
	r := newRig(t)
	g := newFakeGate(trigger.Output)
	r.cfg.Gate = g
	r.cfg.PulseDuration = time.Second

	_, err := New(r.cfg).Run(context.Background())
	require.NoError(t, err)
	pulses, resets := g.counts()
	assert.Equal(t, 1, pulses)
	assert.Equal(t, 1, resets)
}

func TestRun_StopWhileGating(t *testing.T) {
	r := newRig(t)
	g := newFakeGate(trigger.Input)
	r.cfg.Gate = g
	c := New(r.cfg)

	type result struct {
		rep Report
		err error
	}
	done := make(chan result, 1)
	go func() {
		rep, err := c.Run(context.Background())
		done <- result{rep, err}
	}()

	<-g.waiting
	assert.Equal(t, Gating, c.State())
	_, err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrBusy)

	c.Stop()
	c.Stop()
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, Closed, res.rep.State)
	assert.Equal(t, 0, res.rep.Cameras[0].Written)
	assert.Equal(t, 100, res.rep.Cameras[0].Lost())

	starts, _, _, _ := r.meso.Counters()
	assert.Zero(t, starts, "cameras never started")
	assert.Equal(t, []string{"LOAD 4,4,16,16"}, r.port.Commands())
	_, resets := g.counts()
	assert.Equal(t, 1, resets)
	assert.True(t, r.fs.IsClosed(mesoPath))
}

func TestRun_ParentCancelWhileGatingEndsClosedWithError(t *testing.T) {
	r := newRig(t)
	g := newFakeGate(trigger.Input)
	r.cfg.Gate = g
	c := New(r.cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-g.waiting
		cancel()
	}()
	rep, err := c.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Closed, rep.State)
}

func TestRun_StopWhileRunningKeepsDrainedFrames(t *testing.T) {
	r := newRig(t)
	r.meso = camera.NewSimulated(camera.SimulatedConfig{Name: "Dhyana", Width: 4, Height: 4, FPS: 50, BufferCapacity: 4096, Clock: r.clock})
	r.pupil = camera.NewSimulated(camera.SimulatedConfig{Name: "ThorCam", Width: 4, Height: 4, FPS: 34, BufferCapacity: 4096, Clock: r.clock})
	r.cfg.Cameras[0].Core = r.meso
	r.cfg.Cameras[1].Core = r.pupil
	r.cfg.Duration = 20 * time.Second
	c := New(r.cfg)

	var states []string
	var mu sync.Mutex
	c.OnProgress(func(p Progress) {
		mu.Lock()
		if len(states) == 0 || states[len(states)-1] != p.State {
			states = append(states, p.State)
		}
		mu.Unlock()
		if p.Cameras[0].Drained >= 5 {
			c.Stop()
		}
	})

	rep, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Closed, rep.State)

	meso := rep.Cameras[0]
	assert.GreaterOrEqual(t, meso.Written, 5)
	assert.Less(t, meso.Written, meso.Expected)
	assert.Equal(t, meso.Drained, meso.Written)
	assert.Positive(t, meso.Lost())
	assert.Equal(t, rep.Cameras[1].Drained, rep.Cameras[1].Written)
	assert.False(t, r.led.Cycling())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"gating", "running", "draining", "closed"}, states)
}

func TestRun_CanRunAgainAfterSession(t *testing.T) {
	r := newRig(t)
	r.cfg.Duration = 200 * time.Millisecond
	c := New(r.cfg)

	first, err := c.Run(context.Background())
	require.NoError(t, err)
	second, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, Closed, second.State)
	assert.Equal(t, 10, second.Cameras[0].Written)
	assert.Equal(t, 12, second.Cameras[1].Written, "7 planned + 5 margin")

	records, _, err := persist.ReadRecords(r.fs, mesoPath)
	require.NoError(t, err)
	assert.Len(t, records, 10, "the second session replaces the container")

	// The device is primed once per power-up.
	assert.Equal(t, []string{
		"LOAD 4,4,16,16", "SET 4", "START", "STOP",
		"LOAD 4,4,16,16", "START", "STOP",
	}, r.port.Commands())
}
