package trigger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/mesofield/internal/serialmux"
)

// DigitalIO is the digital I/O device contract.
type DigitalIO interface {
	// Read returns the level of the input line.
	Read(ctx context.Context) (bool, error)
	// Write drives one level per output channel.
	Write(ctx context.Context, levels []bool) error
	// Reset returns every line to its inactive state.
	Reset(ctx context.Context) error
}

// ErrBadReply reports a reply that does not follow the DIO protocol.
var ErrBadReply = errors.New("unexpected reply from digital I/O device")

// SerialIO drives the digital I/O bridge over a line protocol:
//
//	DI?      ->  DI 0 | DI 1
//	DO 1,0   ->  OK
//	RST      ->  OK
type SerialIO struct {
	link    serialmux.SerialMuxInterface
	timeout time.Duration
}

// NewSerialIO wraps a serial link whose Monitor loop is already running.
func NewSerialIO(link serialmux.SerialMuxInterface, timeout time.Duration) *SerialIO {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &SerialIO{link: link, timeout: timeout}
}

func (s *SerialIO) request(ctx context.Context, command, prefix string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	reply, err := s.link.Request(ctx, command, func(line string) bool {
		return strings.HasPrefix(line, prefix) || strings.HasPrefix(line, "ERR")
	})
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(reply, "ERR") {
		return "", fmt.Errorf("%w: %s: %s", ErrBadReply, command, reply)
	}
	return reply, nil
}

func (s *SerialIO) Read(ctx context.Context) (bool, error) {
	reply, err := s.request(ctx, "DI?", "DI ")
	if err != nil {
		return false, err
	}
	switch strings.TrimSpace(strings.TrimPrefix(reply, "DI ")) {
	case "1":
		return true, nil
	case "0":
		return false, nil
	}
	return false, fmt.Errorf("%w: %q", ErrBadReply, reply)
}

func (s *SerialIO) Write(ctx context.Context, levels []bool) error {
	parts := make([]string, len(levels))
	for i, l := range levels {
		parts[i] = "0"
		if l {
			parts[i] = "1"
		}
	}
	_, err := s.request(ctx, "DO "+strings.Join(parts, ","), "OK")
	return err
}

func (s *SerialIO) Reset(ctx context.Context) error {
	_, err := s.request(ctx, "RST", "OK")
	return err
}

var _ DigitalIO = (*SerialIO)(nil)
