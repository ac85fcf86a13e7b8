package serialmux

import (
	"fmt"

	"go.bug.st/serial"
)

// openPort is replaced in tests.
var openPort = serial.Open

// NewRealSerialMux creates a SerialMux instance backed by a real serial port at the
// given path using the provided serial options.
func NewRealSerialMux(name, path string, opts PortOptions) (*SerialMux[serial.Port], error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	port, err := openPort(path, mode)
	if err != nil {
		return nil, fmt.Errorf("%s: open %s: %w", name, path, err)
	}
	diagf("%s: opened %s at %d baud", name, path, mode.BaudRate)

	return NewSerialMux[serial.Port](name, port), nil
}
