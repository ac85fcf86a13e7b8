// Package drain pulls frames out of a camera's ring buffer while a
// hardware-triggered sequence runs.
//
// The poll loop is the only code in the engine with a real-time deadline: a
// camera ring buffer fills within tens of milliseconds, so the loop does
// nothing per frame beyond popping, copying and handing the payload to the
// consumer. Disk I/O belongs to the persistence pipeline.
package drain

import (
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/mesofield/internal/acquisition"
	"github.com/banshee-data/mesofield/internal/camera"
	"github.com/banshee-data/mesofield/internal/metrics"
	"github.com/banshee-data/mesofield/internal/timeutil"
)

// DefaultPollInterval is the sleep between ring buffer checks when the
// buffer is empty.
const DefaultPollInterval = time.Millisecond

// ErrSequenceConsumed is yielded when a drainer's frame sequence is iterated
// a second time.
var ErrSequenceConsumed = errors.New("frame sequence already consumed")

// Option configures a Drainer.
type Option func(*Drainer)

// WithClock sets the clock used for sleeps and frame timestamps.
func WithClock(c timeutil.Clock) Option {
	return func(d *Drainer) { d.clock = c }
}

// WithPollInterval sets the sleep between empty-buffer checks.
func WithPollInterval(p time.Duration) Option {
	return func(d *Drainer) {
		if p > 0 {
			d.poll = p
		}
	}
}

// WithTeardown installs a hook run exactly once when the sequence finishes,
// whether it succeeded or failed.
func WithTeardown(f func() error) Option {
	return func(d *Drainer) { d.teardown = f }
}

// WithMetrics records drain counters.
func WithMetrics(m *metrics.Collectors) Option {
	return func(d *Drainer) { d.metrics = m }
}

// Summary describes one finished (or running) drain session.
type Summary struct {
	Camera     string
	FrameCount int
	Channels   int
	// Expected is FrameCount * Channels.
	Expected int
	Yielded  int
	// Stragglers counts images popped after the hardware stopped reporting a
	// running sequence.
	Stragglers int
	// Extras counts images beyond Expected. They keep the event-major
	// numbering past the end of the plan.
	Extras      int
	Overflowed  bool
	Stopped     bool
	Started     time.Time
	Elapsed     time.Duration
	TeardownErr error
}

// Drainer executes one hardware-triggered sequence on a camera.
type Drainer struct {
	core     camera.Core
	clock    timeutil.Clock
	poll     time.Duration
	teardown func() error
	metrics  *metrics.Collectors

	stopped      atomic.Bool
	consumed     atomic.Bool
	yielded      atomic.Int64
	teardownOnce sync.Once

	mu      sync.Mutex
	summary Summary
}

// NewDrainer creates a drainer for core.
func NewDrainer(core camera.Core, opts ...Option) *Drainer {
	d := &Drainer{
		core:  core,
		clock: timeutil.RealClock{},
		poll:  DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.summary.Camera = core.Name()
	return d
}

// Name returns the camera name.
func (d *Drainer) Name() string { return d.core.Name() }

// Stop asks the poll loop to finish after its current tick. Images already
// buffered are still drained. Stop may be called from any goroutine and is
// idempotent.
func (d *Drainer) Stop() {
	if !d.stopped.Swap(true) {
		diagf("%s: stop requested", d.core.Name())
	}
}

// Yielded returns the number of payloads handed out so far.
func (d *Drainer) Yielded() int { return int(d.yielded.Load()) }

// Summary returns a snapshot of the session state.
func (d *Drainer) Summary() Summary {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.summary
	s.Yielded = d.Yielded()
	return s
}

func (d *Drainer) update(f func(*Summary)) {
	d.mu.Lock()
	f(&d.summary)
	d.mu.Unlock()
}

// Frames returns the lazy, finite payload sequence for plan. Payload i is
// paired with event (i / channels, i % channels). A zero start uses the
// local clock when iteration begins as the session's zero point.
//
// The sequence is single-use: iterating it again yields ErrSequenceConsumed.
// A non-nil error is always the last element.
func (d *Drainer) Frames(plan acquisition.SequencePlan, start time.Time) iter.Seq2[acquisition.FramePayload, error] {
	return func(yield func(acquisition.FramePayload, error) bool) {
		if !d.consumed.CompareAndSwap(false, true) {
			yield(acquisition.FramePayload{}, ErrSequenceConsumed)
			return
		}
		if err := plan.Validate(); err != nil {
			yield(acquisition.FramePayload{}, fmt.Errorf("%s: %w", d.core.Name(), err))
			return
		}

		err := d.drain(plan, start, yield)
		if terr := d.runTeardown(); terr != nil && err == nil {
			err = terr
		}
		if err != nil && !errors.Is(err, errConsumerDone) {
			yield(acquisition.FramePayload{}, err)
		}
	}
}

// errConsumerDone marks a sequence abandoned by its consumer.
var errConsumerDone = errors.New("consumer stopped iterating")

func (d *Drainer) runTeardown() error {
	var err error
	d.teardownOnce.Do(func() {
		if d.teardown == nil {
			return
		}
		if err = d.teardown(); err != nil {
			opsf("%s: teardown failed: %v", d.core.Name(), err)
			d.update(func(s *Summary) { s.TeardownErr = err })
		}
	})
	return err
}

func (d *Drainer) drain(plan acquisition.SequencePlan, start time.Time, yield func(acquisition.FramePayload, error) bool) error {
	name := d.core.Name()
	channels := d.core.NumberOfChannels()
	if channels < 1 {
		channels = 1
	}
	if start.IsZero() {
		start = d.clock.Now()
	}
	expected := plan.FrameCount * channels
	d.update(func(s *Summary) {
		s.FrameCount = plan.FrameCount
		s.Channels = channels
		s.Expected = expected
		s.Started = start
	})
	defer func() {
		d.update(func(s *Summary) {
			s.Stopped = d.stopped.Load()
			s.Elapsed = d.clock.Since(start)
			if y := d.Yielded(); y > expected {
				s.Extras = y - expected
			}
		})
	}()

	if plan.FrameCount == 0 {
		diagf("%s: empty plan, hardware not started", name)
		return nil
	}

	if err := d.core.StartSequenceAcquisition(plan.FrameCount, plan.Interval, true); err != nil {
		return acquisition.DeviceError(name, fmt.Errorf("start sequence: %w", err))
	}
	defer d.stopHardware()
	diagf("%s: sequence started: %d frames x %d channels", name, plan.FrameCount, channels)

	events, stopEvents := iter.Pull(acquisition.Events(plan.FrameCount, channels))
	defer stopEvents()

	s := &session{d: d, name: name, channels: channels, start: start, events: events, yield: yield}

	// Poll while the hardware runs, until every planned image is out.
	for !d.stopped.Load() && s.index < expected {
		if !d.core.IsSequenceRunning() {
			break
		}
		if d.core.IsBufferOverflowed() {
			return d.overflow(s.index)
		}
		remaining := d.core.GetRemainingImageCount()
		if remaining == 0 {
			d.clock.Sleep(d.poll)
			continue
		}
		if err := s.pop(remaining, false); err != nil {
			return err
		}
	}

	if d.core.IsSequenceRunning() {
		if err := d.core.StopSequenceAcquisition(); err != nil {
			return acquisition.DeviceError(name, fmt.Errorf("stop sequence: %w", err))
		}
	}

	// Stragglers: everything still buffered once the hardware is done.
	for {
		if d.core.IsBufferOverflowed() {
			return d.overflow(s.index)
		}
		remaining := d.core.GetRemainingImageCount()
		if remaining == 0 {
			break
		}
		if err := s.pop(remaining, true); err != nil {
			return err
		}
	}

	if s.index < expected {
		diagf("%s: sequence ended with %d of %d images", name, s.index, expected)
	} else {
		diagf("%s: sequence complete: %d images (%d stragglers)", name, s.index, s.stragglers)
	}
	return nil
}

func (d *Drainer) overflow(yielded int) error {
	name := d.core.Name()
	d.update(func(s *Summary) { s.Overflowed = true })
	d.metrics.Overflow(name)
	opsf("%s: ring buffer overflow after %d images; frames were dropped", name, yielded)
	return fmt.Errorf("%s: %w after %d images", name, acquisition.ErrBufferOverflow, yielded)
}

// stopHardware makes sure the sequence is not left running on exit paths.
func (d *Drainer) stopHardware() {
	if d.core.IsSequenceRunning() {
		if err := d.core.StopSequenceAcquisition(); err != nil {
			opsf("%s: stop sequence on exit: %v", d.core.Name(), err)
		}
	}
}

// session is the per-invocation drain state.
type session struct {
	d          *Drainer
	name       string
	channels   int
	start      time.Time
	events     func() (acquisition.AcquisitionEvent, bool)
	yield      func(acquisition.FramePayload, error) bool
	index      int
	stragglers int
}

func (s *session) pop(remaining int, straggler bool) error {
	img, err := s.d.core.PopNextImage()
	if err != nil {
		return acquisition.DeviceError(s.name, fmt.Errorf("pop image %d: %w", s.index, err))
	}
	now := s.d.clock.Now()

	ev, ok := s.events()
	if !ok {
		ev = acquisition.EventAt(s.index, s.channels)
	}
	pixels := make([]uint16, len(img.Pixels))
	copy(pixels, img.Pixels)

	p := acquisition.FramePayload{
		Index:  s.index,
		Event:  ev,
		Width:  img.Width,
		Height: img.Height,
		Pixels: pixels,
		Metadata: acquisition.FrameMetadata{
			Timestamp: now,
			Elapsed:   now.Sub(s.start),
			Remaining: remaining - 1,
			Device:    s.d.core.DeviceState(),
		},
	}
	if err := p.Validate(); err != nil {
		return acquisition.DeviceError(s.name, err)
	}

	s.index++
	s.d.yielded.Add(1)
	s.d.metrics.FrameDrained(s.name)
	if straggler {
		s.stragglers++
		s.d.metrics.Straggler(s.name)
		s.d.update(func(sum *Summary) { sum.Stragglers++ })
	}
	if logs.TraceEnabled() {
		tracef("%s: frame %d event=%v remaining=%d straggler=%t", s.name, p.Index, p.Event, p.Metadata.Remaining, straggler)
	}

	if !s.yield(p, nil) {
		return errConsumerDone
	}
	return nil
}

// Run drains plan into sink and returns the session summary. It stops at the
// first sink error.
func (d *Drainer) Run(plan acquisition.SequencePlan, start time.Time, sink func(acquisition.FramePayload) error) (Summary, error) {
	var err error
	for p, ferr := range d.Frames(plan, start) {
		if ferr != nil {
			err = ferr
			break
		}
		if serr := sink(p); serr != nil {
			err = fmt.Errorf("%s: deliver frame %d: %w", d.core.Name(), p.Index, serr)
			break
		}
	}
	return d.Summary(), err
}
