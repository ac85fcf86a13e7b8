package camera

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/mesofield/internal/acquisition"
	"github.com/banshee-data/mesofield/internal/timeutil"
)

// ErrBufferEmpty is returned by PopNextImage when nothing is buffered.
var ErrBufferEmpty = errors.New("camera buffer is empty")

// SimulatedConfig configures a Simulated camera.
type SimulatedConfig struct {
	Name        string
	Width       int
	Height      int
	Channels    int
	FPS         float64
	Exposure    time.Duration
	TriggerPort string

	// BufferCapacity is the ring buffer size in images. Images generated
	// while the buffer is full set the overflow flag.
	BufferCapacity int

	// OverflowAfter forces the overflow flag once this many images have been
	// popped. Zero disables the injection.
	OverflowAfter int

	// HoldRunning keeps IsSequenceRunning true for this long after the last
	// image was generated.
	HoldRunning time.Duration

	Clock timeutil.Clock
}

// Simulated is a deterministic software camera. Images are generated lazily
// from the clock: after t seconds, floor(t*FPS) exposures have happened.
// Each image's pixels hold (serial + offset) so ordering survives a round
// trip through a container, and slots are recycled like a hardware ring
// buffer.
type Simulated struct {
	cfg   SimulatedConfig
	clock timeutil.Clock

	mu             sync.Mutex
	running        bool
	stopOnOverflow bool
	started        time.Time
	doneAt         time.Time
	total          int
	generated      int
	popped         int
	overflowed     bool
	slots          [][]uint16
	head           int
	startCalls     int
	stopCalls      int

	// StartErr, when set, is returned by StartSequenceAcquisition.
	StartErr error
	// PopErr, when set, is returned by PopNextImage.
	PopErr error
}

// NewSimulated creates a simulated camera with defaults filled in.
func NewSimulated(cfg SimulatedConfig) *Simulated {
	if cfg.Name == "" {
		cfg.Name = "SimCam"
	}
	if cfg.Width <= 0 {
		cfg.Width = 8
	}
	if cfg.Height <= 0 {
		cfg.Height = 8
	}
	if cfg.Channels <= 0 {
		cfg.Channels = 1
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 50
	}
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = 1024
	}
	if cfg.Exposure == 0 {
		cfg.Exposure = time.Duration(float64(time.Second) / cfg.FPS)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	slots := make([][]uint16, cfg.BufferCapacity)
	for i := range slots {
		slots[i] = make([]uint16, cfg.Width*cfg.Height)
	}
	return &Simulated{cfg: cfg, clock: clock, slots: slots}
}

func (s *Simulated) Name() string          { return s.cfg.Name }
func (s *Simulated) NumberOfChannels() int { return s.cfg.Channels }

func (s *Simulated) DeviceState() acquisition.DeviceState {
	return acquisition.DeviceState{
		Camera:      s.cfg.Name,
		Exposure:    s.cfg.Exposure,
		TriggerPort: s.cfg.TriggerPort,
	}
}

// StartSequenceAcquisition arms the simulated sequence for count exposures.
func (s *Simulated) StartSequenceAcquisition(count int, interval time.Duration, stopOnOverflow bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.startCalls++
	if s.StartErr != nil {
		return s.StartErr
	}
	if s.running {
		return fmt.Errorf("%s: sequence already running", s.cfg.Name)
	}
	if count < 0 {
		return fmt.Errorf("%s: invalid image count %d", s.cfg.Name, count)
	}

	s.running = true
	s.stopOnOverflow = stopOnOverflow
	s.started = s.clock.Now()
	s.doneAt = time.Time{}
	s.total = count * s.cfg.Channels
	s.generated = 0
	s.popped = 0
	s.head = 0
	s.overflowed = false
	return nil
}

// advance generates every image due by now. Callers hold s.mu.
func (s *Simulated) advance() {
	if !s.running {
		return
	}
	now := s.clock.Now()
	exposures := int(math.Floor(now.Sub(s.started).Seconds() * s.cfg.FPS))
	due := exposures * s.cfg.Channels
	if due > s.total {
		due = s.total
	}

	for s.generated < due {
		if s.generated-s.popped >= s.cfg.BufferCapacity {
			s.overflowed = true
			if s.stopOnOverflow {
				s.running = false
			}
			return
		}
		slot := s.slots[s.generated%s.cfg.BufferCapacity]
		for i := range slot {
			slot[i] = uint16(s.generated + i)
		}
		s.generated++
	}

	if s.generated == s.total && s.doneAt.IsZero() {
		s.doneAt = now
	}
	if !s.doneAt.IsZero() && now.Sub(s.doneAt) >= s.cfg.HoldRunning {
		s.running = false
	}
}

func (s *Simulated) IsSequenceRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	return s.running
}

func (s *Simulated) GetRemainingImageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	return s.generated - s.popped
}

// PopNextImage returns the oldest image. The returned Pixels slice is the
// ring slot itself and will be overwritten by later images.
func (s *Simulated) PopNextImage() (Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()

	if s.PopErr != nil {
		return Image{}, s.PopErr
	}
	if s.generated == s.popped {
		return Image{}, ErrBufferEmpty
	}
	slot := s.slots[s.popped%s.cfg.BufferCapacity]
	s.popped++
	if s.cfg.OverflowAfter > 0 && s.popped >= s.cfg.OverflowAfter {
		s.overflowed = true
	}
	return Image{Width: s.cfg.Width, Height: s.cfg.Height, Pixels: slot}, nil
}

func (s *Simulated) IsBufferOverflowed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advance()
	return s.overflowed
}

func (s *Simulated) StopSequenceAcquisition() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopCalls++
	s.advance()
	s.running = false
	return nil
}

// Counters returns (start calls, stop calls, images generated, images
// popped) for assertions.
func (s *Simulated) Counters() (starts, stops, generated, popped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startCalls, s.stopCalls, s.generated, s.popped
}

var _ Core = (*Simulated)(nil)
