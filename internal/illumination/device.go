// Package illumination sequences the LED switch that cycles light sources in
// lock-step with camera exposures. The device advances through its loaded
// pattern on every camera trigger; this package only loads, starts and stops
// that hardware sequence.
package illumination

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/mesofield/internal/serialmux"
)

// Device is the illumination driver contract.
type Device interface {
	// LoadSequence uploads pattern and returns the pattern length the device
	// echoed back.
	LoadSequence(ctx context.Context, pattern []string) (int, error)
	// SetValue sets the output state immediately.
	SetValue(ctx context.Context, token string) error
	StartSequence(ctx context.Context) error
	StopSequence(ctx context.Context) error
}

// ErrDeviceRejected is returned when the device answers a command with ERR.
var ErrDeviceRejected = errors.New("device rejected command")

// DefaultReplyTimeout bounds every command/acknowledge exchange.
const DefaultReplyTimeout = 2 * time.Second

// SwitchDevice talks to the Arduino LED switch over a line protocol:
//
//	LOAD 4,4,16,16  ->  OK 4
//	SET 4           ->  OK
//	START           ->  OK
//	STOP            ->  OK
//
// Any command may be answered with "ERR <reason>".
type SwitchDevice struct {
	link    serialmux.SerialMuxInterface
	timeout time.Duration
}

// NewSwitchDevice wraps a serial link whose Monitor loop is already running.
func NewSwitchDevice(link serialmux.SerialMuxInterface) *SwitchDevice {
	return &SwitchDevice{link: link, timeout: DefaultReplyTimeout}
}

// WithTimeout overrides the reply timeout.
func (d *SwitchDevice) WithTimeout(t time.Duration) *SwitchDevice {
	d.timeout = t
	return d
}

func isReply(line string) bool {
	return line == "OK" || strings.HasPrefix(line, "OK ") || strings.HasPrefix(line, "ERR")
}

func (d *SwitchDevice) exchange(ctx context.Context, command string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	reply, err := d.link.Request(ctx, command, isReply)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(reply, "ERR") {
		return "", fmt.Errorf("%w: %s: %s", ErrDeviceRejected, command, strings.TrimSpace(strings.TrimPrefix(reply, "ERR")))
	}
	return strings.TrimSpace(strings.TrimPrefix(reply, "OK")), nil
}

func (d *SwitchDevice) LoadSequence(ctx context.Context, pattern []string) (int, error) {
	rest, err := d.exchange(ctx, "LOAD "+strings.Join(pattern, ","))
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0, fmt.Errorf("unexpected LOAD reply %q", rest)
	}
	return n, nil
}

func (d *SwitchDevice) SetValue(ctx context.Context, token string) error {
	_, err := d.exchange(ctx, "SET "+token)
	return err
}

func (d *SwitchDevice) StartSequence(ctx context.Context) error {
	_, err := d.exchange(ctx, "START")
	return err
}

func (d *SwitchDevice) StopSequence(ctx context.Context) error {
	_, err := d.exchange(ctx, "STOP")
	return err
}

var _ Device = (*SwitchDevice)(nil)
