package acquisition

import (
	"errors"
	"fmt"
)

var (
	// ErrBufferOverflow reports that the camera dropped frames because its
	// ring buffer was not drained fast enough. It is fatal for the session.
	ErrBufferOverflow = errors.New("camera ring buffer overflowed")

	// ErrDeviceCommunication reports that a camera, illumination or trigger
	// device could not be reached or answered unexpectedly.
	ErrDeviceCommunication = errors.New("device communication failed")

	// ErrConfiguration reports invalid session parameters. It is returned
	// before any hardware is touched.
	ErrConfiguration = errors.New("invalid configuration")
)

// ConfigErrorf formats a configuration error that wraps ErrConfiguration.
func ConfigErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// DeviceError wraps err as a device communication failure on the named
// device. A nil err yields nil.
func DeviceError(device string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrDeviceCommunication) {
		return fmt.Errorf("%s: %w", device, err)
	}
	return fmt.Errorf("%s: %w: %w", device, ErrDeviceCommunication, err)
}
