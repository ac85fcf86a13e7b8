package trigger

import (
	"strings"
	"sync"
)

// Firmware emulates the digital I/O bridge sketch.
type Firmware struct {
	mu      sync.Mutex
	input   bool
	outputs []bool
	writes  [][]bool
	resets  int
	reads   int
	// ActivateAfterReads raises the input line once this many DI? queries
	// have been answered. Zero leaves the line alone.
	ActivateAfterReads int
}

// NewFirmware returns an emulator with the input line low.
func NewFirmware() *Firmware { return &Firmware{} }

// SetInput drives the emulated external input line.
func (f *Firmware) SetInput(active bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.input = active
}

// Handle answers one command line.
func (f *Firmware) Handle(command string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	verb, arg, _ := strings.Cut(command, " ")
	switch verb {
	case "DI?":
		f.reads++
		if f.ActivateAfterReads > 0 && f.reads >= f.ActivateAfterReads {
			f.input = true
		}
		if f.input {
			return []string{"DI 1"}
		}
		return []string{"DI 0"}
	case "DO":
		var levels []bool
		for _, tok := range strings.Split(arg, ",") {
			switch tok {
			case "1":
				levels = append(levels, true)
			case "0":
				levels = append(levels, false)
			default:
				return []string{"ERR bad level " + tok}
			}
		}
		f.outputs = levels
		f.writes = append(f.writes, levels)
		return []string{"OK"}
	case "RST":
		f.resets++
		f.input = false
		for i := range f.outputs {
			f.outputs[i] = false
		}
		return []string{"OK"}
	}
	return []string{"ERR unknown command " + verb}
}

// Outputs returns the current output levels.
func (f *Firmware) Outputs() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.outputs...)
}

// Writes returns every DO command received.
func (f *Firmware) Writes() [][]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]bool(nil), f.writes...)
}

// Resets returns the number of RST commands received.
func (f *Firmware) Resets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}
