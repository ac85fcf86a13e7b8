package serialmux

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
)

// Firmware answers one received command line with zero or more reply lines.
type Firmware func(command string) []string

// EmulatedPort is an in-process SerialPorter that feeds every newline
// terminated command to a Firmware function and queues its replies for
// Read. It backs dev mode and tests that exercise the real line protocol.
type EmulatedPort struct {
	mu       sync.Mutex
	cond     *sync.Cond
	firmware Firmware
	partial  []byte
	out      bytes.Buffer
	commands []string
	closed   bool
}

// NewEmulatedPort creates a port whose device side is fw.
func NewEmulatedPort(fw Firmware) *EmulatedPort {
	p := &EmulatedPort{firmware: fw}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *EmulatedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("serial port closed")
	}

	p.partial = append(p.partial, b...)
	for {
		i := bytes.IndexByte(p.partial, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(p.partial[:i]), "\r")
		p.partial = p.partial[i+1:]
		p.commands = append(p.commands, line)
		if p.firmware == nil {
			continue
		}
		for _, reply := range p.firmware(line) {
			p.out.WriteString(reply)
			p.out.WriteByte('\n')
		}
	}
	p.cond.Broadcast()
	return len(b), nil
}

// Read blocks until reply bytes are available or the port is closed.
func (p *EmulatedPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.out.Len() == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.out.Len() == 0 {
		return 0, io.EOF
	}
	return p.out.Read(b)
}

// Inject queues an unsolicited line from the device.
func (p *EmulatedPort) Inject(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out.WriteString(line)
	p.out.WriteByte('\n')
	p.cond.Broadcast()
}

func (p *EmulatedPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.cond.Broadcast()
	return nil
}

// Commands returns every command line received so far.
func (p *EmulatedPort) Commands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.commands...)
}
