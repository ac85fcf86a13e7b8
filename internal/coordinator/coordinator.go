// Package coordinator runs the two camera engines of a session side by side
// and sequences the illumination device and the trigger gate around them.
//
// A session moves Idle -> Gating -> Running -> Draining -> Closed. An
// unrecoverable error once the cameras are armed moves it to Faulted instead
// of Closed; both containers are flushed either way, so frames drained before
// the fault stay on disk. Errors before Running (configuration, container
// open, illumination setup, trigger wait) end Closed with Report.Err set.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/mesofield/internal/acquisition"
	"github.com/banshee-data/mesofield/internal/camera"
	"github.com/banshee-data/mesofield/internal/drain"
	"github.com/banshee-data/mesofield/internal/fsutil"
	"github.com/banshee-data/mesofield/internal/illumination"
	"github.com/banshee-data/mesofield/internal/metrics"
	"github.com/banshee-data/mesofield/internal/persist"
	"github.com/banshee-data/mesofield/internal/timeutil"
	"github.com/banshee-data/mesofield/internal/trigger"
)

// ErrBusy is returned by Run while another session is in progress.
var ErrBusy = errors.New("acquisition session already in progress")

// State is the lifecycle position of a session.
type State int32

const (
	Idle State = iota
	Gating
	Running
	Draining
	Closed
	Faulted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Gating:
		return "gating"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Closed:
		return "closed"
	case Faulted:
		return "faulted"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Illuminator is the slice of illumination.Sequencer the coordinator drives.
type Illuminator interface {
	Load(ctx context.Context, pattern []string) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Gate is the slice of trigger.Gate the coordinator drives.
type Gate interface {
	Mode() trigger.Mode
	Wait(ctx context.Context) (time.Time, error)
	Pulse(ctx context.Context, d time.Duration) error
	Reset(ctx context.Context) error
}

var (
	_ Illuminator = (*illumination.Sequencer)(nil)
	_ Gate        = (*trigger.Gate)(nil)
)

// Camera is one engine of the session.
type Camera struct {
	Core camera.Core
	FPS  float64
	// Output is the container path for this camera's frames.
	Output string
}

// Config wires a Coordinator. Cameras[0] is the primary camera and owns the
// illumination teardown; Cameras[1] receives SafetyMargin extra frames.
type Config struct {
	Duration     time.Duration
	Cameras      [2]Camera
	SafetyMargin int

	PollInterval    time.Duration
	TimingTolerance time.Duration
	BigTIFF         bool

	// Illumination and Pattern are optional. When Illumination is set the
	// pattern is loaded before gating and cycling runs for the session.
	Illumination Illuminator
	Pattern      []string

	// Gate is optional; nil behaves as a pass-through gate. An output gate
	// is pulsed for PulseDuration when acquisition starts.
	Gate          Gate
	PulseDuration time.Duration

	FS      fsutil.FileSystem
	Clock   timeutil.Clock
	Metrics *metrics.Collectors
}

// CameraProgress is the live frame accounting of one camera.
type CameraProgress struct {
	Camera   string `json:"camera"`
	Expected int    `json:"expected"`
	Drained  int    `json:"drained"`
	Written  int    `json:"written"`
	Failed   int    `json:"failed"`
	Pending  int    `json:"pending"`
}

// Progress is a snapshot of the running session.
type Progress struct {
	SessionID string            `json:"session_id"`
	State     string            `json:"state"`
	Cameras   [2]CameraProgress `json:"cameras"`
}

// CameraReport is the end-of-session accounting of one camera. Expected
// versus Written makes partial loss visible even when every individual
// write succeeded.
type CameraReport struct {
	Camera     string
	Path       string
	Plan       acquisition.SequencePlan
	Channels   int
	Expected   int
	Drained    int
	Enqueued   int
	Written    int
	Failed     int
	Stragglers int
	Extras     int
	Overflowed bool
	Timing     Timing
	Err        error
}

// Lost returns how many planned frames are missing from the container.
func (r CameraReport) Lost() int {
	if r.Written >= r.Expected {
		return 0
	}
	return r.Expected - r.Written
}

// Report describes a finished session.
type Report struct {
	SessionID string
	State     State
	TriggerAt time.Time
	Started   time.Time
	Finished  time.Time
	// StartSkew is the gap between the first frames of the two cameras;
	// SkewMeasured is false when either camera produced nothing.
	StartSkew           time.Duration
	SkewMeasured        bool
	SkewWithinTolerance bool
	Cameras             [2]CameraReport
	Err                 error
}

// Coordinator runs acquisition sessions. One session runs at a time.
type Coordinator struct {
	cfg   Config
	clock timeutil.Clock

	busy atomic.Bool

	mu            sync.Mutex
	state         State
	sessionID     string
	names         [2]string
	expected      [2]int
	drainers      [2]*drain.Drainer
	pipes         [2]*persist.Pipeline
	cancel        context.CancelFunc
	stopRequested bool
	onProgress    func(Progress)
}

// New creates an idle coordinator. Configuration is checked when a session
// starts, before any hardware is touched.
func New(cfg Config) *Coordinator {
	if cfg.FS == nil {
		cfg.FS = fsutil.OSFileSystem{}
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = drain.DefaultPollInterval
	}
	return &Coordinator{cfg: cfg, clock: cfg.Clock}
}

// FrameCount returns round(duration * fps).
func FrameCount(duration time.Duration, fps float64) int {
	return int(math.Round(duration.Seconds() * fps))
}

// Plans derives each camera's sequence plan from the session duration.
func (c *Coordinator) Plans() ([2]acquisition.SequencePlan, error) {
	var plans [2]acquisition.SequencePlan
	if c.cfg.Duration <= 0 {
		return plans, acquisition.ConfigErrorf("session duration %v is not positive", c.cfg.Duration)
	}
	if c.cfg.SafetyMargin < 0 {
		return plans, acquisition.ConfigErrorf("safety margin %d is negative", c.cfg.SafetyMargin)
	}
	for i, cam := range c.cfg.Cameras {
		if !(cam.FPS > 0) || math.IsInf(cam.FPS, 0) {
			return plans, acquisition.ConfigErrorf("camera %d frame rate %v is not positive", i+1, cam.FPS)
		}
		n := FrameCount(c.cfg.Duration, cam.FPS)
		if n <= 0 {
			return plans, acquisition.ConfigErrorf("camera %d has no frames to acquire: %v at %v fps", i+1, c.cfg.Duration, cam.FPS)
		}
		if i == 1 {
			n += c.cfg.SafetyMargin
		}
		plans[i] = acquisition.SequencePlan{FrameCount: n}
	}
	return plans, nil
}

func (c *Coordinator) validate() error {
	for i, cam := range c.cfg.Cameras {
		if cam.Core == nil {
			return acquisition.ConfigErrorf("camera %d has no driver", i+1)
		}
		if cam.Output == "" {
			return acquisition.ConfigErrorf("camera %d (%s) has no output path", i+1, cam.Core.Name())
		}
	}
	if c.cfg.Cameras[0].Output == c.cfg.Cameras[1].Output {
		return acquisition.ConfigErrorf("both cameras write to %s", c.cfg.Cameras[0].Output)
	}
	if c.cfg.Illumination != nil {
		if err := illumination.ValidatePattern(c.cfg.Pattern); err != nil {
			return err
		}
	}
	return nil
}

// State returns the current session state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	diagf("state %s", s)
	c.notify()
}

// OnProgress installs a callback invoked on every state change and after
// every drained frame. It runs on the drain goroutines and must return
// quickly.
func (c *Coordinator) OnProgress(f func(Progress)) {
	c.mu.Lock()
	c.onProgress = f
	c.mu.Unlock()
}

func (c *Coordinator) notify() {
	c.mu.Lock()
	f := c.onProgress
	c.mu.Unlock()
	if f != nil {
		f(c.Progress())
	}
}

// Progress returns live frame accounting for the current or last session.
func (c *Coordinator) Progress() Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := Progress{SessionID: c.sessionID, State: c.state.String()}
	for i := range p.Cameras {
		cp := CameraProgress{Camera: c.names[i], Expected: c.expected[i]}
		if d := c.drainers[i]; d != nil {
			cp.Drained = d.Yielded()
		}
		if pl := c.pipes[i]; pl != nil {
			cp.Written = pl.Written()
			cp.Failed = pl.Failed()
			cp.Pending = pl.Pending()
		}
		p.Cameras[i] = cp
	}
	return p
}

// Stop ends the running session. A session still waiting for its trigger
// closes without acquiring; running cameras finish after their current poll
// tick and drain what is buffered. Stop is idempotent.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopRequested {
		return
	}
	c.stopRequested = true
	for _, d := range c.drainers {
		if d != nil {
			d.Stop()
		}
	}
	if c.cancel != nil {
		c.cancel()
	}
	diagf("stop requested in state %s", c.state)
}

func (c *Coordinator) stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopRequested
}

// Run executes one session. The report is returned even on error and always
// carries per-camera expected and written counts. Errors from the two
// cameras are joined so neither hides the other.
func (c *Coordinator) Run(ctx context.Context) (Report, error) {
	if !c.busy.CompareAndSwap(false, true) {
		return Report{}, ErrBusy
	}
	defer c.busy.Store(false)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	rep := Report{SessionID: uuid.NewString()}
	c.mu.Lock()
	c.state = Idle
	c.sessionID = rep.SessionID
	c.names = [2]string{}
	c.expected = [2]int{}
	c.drainers = [2]*drain.Drainer{}
	c.pipes = [2]*persist.Pipeline{}
	c.cancel = cancel
	c.stopRequested = false
	c.mu.Unlock()

	diagf("session %s starting", rep.SessionID)
	err := c.run(runCtx, ctx, &rep)

	rep.Finished = c.clock.Now()
	rep.Err = err
	rep.State = Closed
	switch {
	case err != nil && !rep.Started.IsZero():
		rep.State = Faulted
		opsf("session %s faulted: %v", rep.SessionID, err)
	case err != nil:
		opsf("session %s failed before acquisition: %v", rep.SessionID, err)
	}
	c.setState(rep.State)
	c.cfg.Metrics.SessionFinished(rep.State.String())

	for _, cam := range rep.Cameras {
		diagf("session %s: %s wrote %d of %d expected frames (%d failed)",
			rep.SessionID, cam.Camera, cam.Written, cam.Expected, cam.Failed)
	}
	return rep, err
}

func (c *Coordinator) run(ctx, parent context.Context, rep *Report) error {
	plans, err := c.Plans()
	if err != nil {
		return err
	}
	if err := c.validate(); err != nil {
		return err
	}

	var pipes [2]*persist.Pipeline
	for i, cam := range c.cfg.Cameras {
		channels := max(cam.Core.NumberOfChannels(), 1)
		rep.Cameras[i] = CameraReport{
			Camera:   cam.Core.Name(),
			Path:     cam.Output,
			Plan:     plans[i],
			Channels: channels,
			Expected: plans[i].FrameCount * channels,
		}
		pipes[i] = persist.New(persist.Config{
			Camera:  cam.Core.Name(),
			FS:      c.cfg.FS,
			BigTIFF: c.cfg.BigTIFF,
			Metrics: c.cfg.Metrics,
		})
	}
	c.mu.Lock()
	for i := range pipes {
		c.names[i] = rep.Cameras[i].Camera
		c.expected[i] = rep.Cameras[i].Expected
	}
	c.pipes = pipes
	c.mu.Unlock()

	for i, p := range pipes {
		if err := p.Start(c.cfg.Cameras[i].Output, rep.Cameras[i].Expected); err != nil {
			return errors.Join(err, c.flush(rep, pipes))
		}
	}

	acqErr := c.acquire(ctx, rep, plans, pipes)
	if acqErr == nil && !c.stopped() && parent.Err() != nil {
		acqErr = parent.Err()
	}

	c.setState(Draining)
	flushErr := c.flush(rep, pipes)
	var resetErr error
	if c.cfg.Gate != nil {
		resetErr = c.cfg.Gate.Reset(context.WithoutCancel(ctx))
		if resetErr != nil {
			opsf("trigger reset failed: %v", resetErr)
		}
	}
	return errors.Join(acqErr, flushErr, resetErr)
}

// flush closes every pipeline and copies its counters into the report.
func (c *Coordinator) flush(rep *Report, pipes [2]*persist.Pipeline) error {
	var errs []error
	for i, p := range pipes {
		if p == nil {
			continue
		}
		stats, err := p.Close()
		if err != nil {
			errs = append(errs, err)
		}
		cam := &rep.Cameras[i]
		cam.Enqueued = stats.Enqueued
		cam.Written = stats.Written
		cam.Failed = stats.Failed
		if cam.Drained > cam.Written {
			opsf("%s: %d drained frames missing from %s", cam.Camera, cam.Drained-cam.Written, cam.Path)
		}
	}
	return errors.Join(errs...)
}

func (c *Coordinator) acquire(ctx context.Context, rep *Report, plans [2]acquisition.SequencePlan, pipes [2]*persist.Pipeline) error {
	illum := c.cfg.Illumination
	if illum != nil {
		if err := illum.Load(ctx, c.cfg.Pattern); err != nil {
			return fmt.Errorf("load illumination: %w", err)
		}
	}

	c.setState(Gating)
	if c.cfg.Gate != nil && c.cfg.Gate.Mode() == trigger.Input {
		at, err := c.cfg.Gate.Wait(ctx)
		if err != nil {
			if c.stopped() {
				diagf("stopped while waiting for trigger")
				return nil
			}
			return fmt.Errorf("wait for trigger: %w", err)
		}
		rep.TriggerAt = at
	} else {
		rep.TriggerAt = c.clock.Now()
	}
	if c.stopped() {
		return nil
	}

	if illum != nil {
		if err := illum.Start(ctx); err != nil {
			return fmt.Errorf("start illumination: %w", err)
		}
	}
	stopIllumination := sync.OnceValue(func() error {
		if illum == nil {
			return nil
		}
		return illum.Stop(context.WithoutCancel(ctx))
	})

	rep.Started = c.clock.Now()
	var drainers [2]*drain.Drainer
	for i, cam := range c.cfg.Cameras {
		opts := []drain.Option{
			drain.WithClock(c.clock),
			drain.WithPollInterval(c.cfg.PollInterval),
			drain.WithMetrics(c.cfg.Metrics),
		}
		if i == 0 {
			opts = append(opts, drain.WithTeardown(stopIllumination))
		}
		drainers[i] = drain.NewDrainer(cam.Core, opts...)
	}
	c.mu.Lock()
	c.drainers = drainers
	if c.stopRequested {
		for _, d := range drainers {
			d.Stop()
		}
	}
	c.mu.Unlock()
	c.setState(Running)

	// Cancellation reaches the drain loops only through Stop, which they
	// check after every poll tick.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			for _, d := range drainers {
				d.Stop()
			}
		case <-done:
		}
	}()

	var wg sync.WaitGroup
	var pulseErr error
	if c.cfg.Gate != nil && c.cfg.Gate.Mode() == trigger.Output {
		wg.Go(func() {
			pulseErr = c.cfg.Gate.Pulse(ctx, c.cfg.PulseDuration)
		})
	}

	var errs [2]error
	var stamps [2][]time.Time
	for i := range drainers {
		wg.Go(func() {
			sum, err := drainers[i].Run(plans[i], rep.Started, func(fp acquisition.FramePayload) error {
				if fp.Event.Channel == 0 {
					stamps[i] = append(stamps[i], fp.Metadata.Timestamp)
				}
				if err := pipes[i].Enqueue(fp); err != nil {
					return err
				}
				c.notify()
				return nil
			})
			cam := &rep.Cameras[i]
			cam.Drained = sum.Yielded
			cam.Stragglers = sum.Stragglers
			cam.Extras = sum.Extras
			cam.Overflowed = sum.Overflowed
			cam.Err = err
			errs[i] = err
			if err != nil {
				opsf("%s: %v; stopping %s", cam.Camera, err, drainers[1-i].Name())
				drainers[1-i].Stop()
			}
		})
	}
	wg.Wait()
	close(done)

	// Camera 1's drainer normally stopped the illumination already; its
	// teardown error is part of that camera's error.
	illumErr := stopIllumination()
	if illumErr != nil && drainers[0].Summary().TeardownErr != nil {
		illumErr = nil
	}
	if pulseErr != nil && !c.stopped() {
		opsf("trigger pulse failed: %v", pulseErr)
	} else {
		pulseErr = nil
	}

	c.analyze(rep, stamps)
	return errors.Join(errs[0], errs[1], illumErr, pulseErr)
}

func (c *Coordinator) analyze(rep *Report, stamps [2][]time.Time) {
	for i := range stamps {
		rep.Cameras[i].Timing = analyzeTiming(stamps[i])
		if fps := rep.Cameras[i].Timing.MeasuredFPS; fps > 0 {
			c.cfg.Metrics.MeasuredFPS(rep.Cameras[i].Camera, fps)
			diagf("%s: measured %.2f fps (mean interval %v, stddev %v)",
				rep.Cameras[i].Camera, fps, rep.Cameras[i].Timing.MeanInterval, rep.Cameras[i].Timing.StdDevInterval)
		}
	}

	skew, ok := startSkew(stamps[0], stamps[1])
	rep.StartSkew = skew
	rep.SkewMeasured = ok
	if !ok {
		return
	}
	c.cfg.Metrics.StartSkew(skew)
	rep.SkewWithinTolerance = c.cfg.TimingTolerance <= 0 || skew <= c.cfg.TimingTolerance
	if !rep.SkewWithinTolerance {
		opsf("camera start skew %v exceeds tolerance %v", skew, c.cfg.TimingTolerance)
	}
}
