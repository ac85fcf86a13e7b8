// Package camera describes the camera/controller driver contract required by
// the drain loop, plus a simulated driver for development and tests.
package camera

import (
	"time"

	"github.com/banshee-data/mesofield/internal/acquisition"
)

// Image is a frame as handed out by a driver. Pixels belongs to the driver
// and may be recycled as soon as the next image is popped, so callers must
// copy it before retaining it.
type Image struct {
	Width  int
	Height int
	Pixels []uint16
}

// Core is the narrow driver contract used by the acquisition engine. It
// mirrors the sequence-acquisition subset of a Micro-Manager style core.
type Core interface {
	// Name identifies the camera in logs, metrics and frame metadata.
	Name() string

	// NumberOfChannels returns how many images the camera emits per
	// triggered exposure (1 for an ordinary camera).
	NumberOfChannels() int

	// DeviceState returns the exposure and trigger configuration recorded
	// with every frame.
	DeviceState() acquisition.DeviceState

	// StartSequenceAcquisition starts a hardware-triggered sequence of count
	// exposures.
	StartSequenceAcquisition(count int, interval time.Duration, stopOnOverflow bool) error

	// IsSequenceRunning reports whether the hardware sequence is active.
	IsSequenceRunning() bool

	// GetRemainingImageCount returns the number of images in the ring buffer.
	GetRemainingImageCount() int

	// PopNextImage removes and returns the oldest buffered image.
	PopNextImage() (Image, error)

	// IsBufferOverflowed reports whether images were dropped.
	IsBufferOverflowed() bool

	// StopSequenceAcquisition stops the hardware sequence. It is safe to call
	// when no sequence is running.
	StopSequenceAcquisition() error
}
