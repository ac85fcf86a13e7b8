package acquisition

import (
	"fmt"
	"iter"
	"time"
)

// AcquisitionEvent is one planned exposure.
type AcquisitionEvent struct {
	Sequence int `json:"sequence"`
	Channel  int `json:"channel"`
}

func (e AcquisitionEvent) String() string {
	return fmt.Sprintf("(%d,%d)", e.Sequence, e.Channel)
}

// EventAt returns the event paired with the n-th drained image of a camera
// with the given channel count.
func EventAt(n, channels int) AcquisitionEvent {
	if channels < 1 {
		channels = 1
	}
	return AcquisitionEvent{Sequence: n / channels, Channel: n % channels}
}

// Events enumerates the cross product of frameCount planned slots and
// channels in event-major order.
func Events(frameCount, channels int) iter.Seq[AcquisitionEvent] {
	if channels < 1 {
		channels = 1
	}
	return func(yield func(AcquisitionEvent) bool) {
		for seq := 0; seq < frameCount; seq++ {
			for ch := 0; ch < channels; ch++ {
				if !yield(AcquisitionEvent{Sequence: seq, Channel: ch}) {
					return
				}
			}
		}
	}
}

// DeviceState is the camera state captured with every frame.
type DeviceState struct {
	Camera      string        `json:"camera"`
	Exposure    time.Duration `json:"exposure"`
	TriggerPort string        `json:"trigger_port,omitempty"`
}

// FrameMetadata is attached to every drained frame.
type FrameMetadata struct {
	// Timestamp is the wall-clock time the frame was popped from the buffer.
	Timestamp time.Time
	// Elapsed is the time since the session's zero point.
	Elapsed time.Duration
	// Remaining is the number of images still buffered at retrieval.
	Remaining int
	Device    DeviceState
}

// FramePayload is one drained frame. Pixels is exclusively owned by the
// payload; it never aliases a driver buffer.
type FramePayload struct {
	Index    int
	Event    AcquisitionEvent
	Width    int
	Height   int
	Pixels   []uint16
	Metadata FrameMetadata
}

// Validate checks the payload shape once at the hardware boundary.
func (p FramePayload) Validate() error {
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("frame %d: invalid shape %dx%d", p.Index, p.Width, p.Height)
	}
	if len(p.Pixels) != p.Width*p.Height {
		return fmt.Errorf("frame %d: %d pixels for %dx%d frame", p.Index, len(p.Pixels), p.Width, p.Height)
	}
	return nil
}

// SequencePlan describes one hardware-triggered frame sequence. Interval is
// normally zero (back-to-back exposures).
type SequencePlan struct {
	FrameCount int
	Interval   time.Duration
}

// Validate rejects negative frame counts and intervals.
func (p SequencePlan) Validate() error {
	if p.FrameCount < 0 {
		return ConfigErrorf("frame count %d is negative", p.FrameCount)
	}
	if p.Interval < 0 {
		return ConfigErrorf("interval %v is negative", p.Interval)
	}
	return nil
}
