package illumination

import (
	"strconv"
	"strings"
	"sync"
)

// Firmware emulates the LED switch sketch. Like the real board it ignores
// START until a value has been written after power-up.
type Firmware struct {
	mu      sync.Mutex
	pattern []string
	value   string
	primed  bool
	running bool
	cycling bool
	step    int
}

// NewFirmware returns a freshly powered-up emulator.
func NewFirmware() *Firmware { return &Firmware{} }

// Handle answers one command line.
func (f *Firmware) Handle(command string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	verb, arg, _ := strings.Cut(command, " ")
	switch verb {
	case "LOAD":
		if f.running {
			return []string{"ERR running"}
		}
		if arg == "" {
			return []string{"ERR empty pattern"}
		}
		f.pattern = strings.Split(arg, ",")
		f.step = 0
		return []string{"OK " + strconv.Itoa(len(f.pattern))}
	case "SET":
		if arg == "" {
			return []string{"ERR missing value"}
		}
		f.value = arg
		f.primed = true
		return []string{"OK"}
	case "START":
		if len(f.pattern) == 0 {
			return []string{"ERR no pattern"}
		}
		f.running = true
		f.cycling = f.primed
		f.step = 0
		return []string{"OK"}
	case "STOP":
		f.running = false
		f.cycling = false
		return []string{"OK"}
	}
	return []string{"ERR unknown command " + verb}
}

// Trigger simulates one camera exposure trigger and returns the output
// value for it.
func (f *Firmware) Trigger() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.cycling {
		return f.value
	}
	f.value = f.pattern[f.step%len(f.pattern)]
	f.step++
	return f.value
}

// Cycling reports whether triggers currently advance the pattern.
func (f *Firmware) Cycling() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cycling
}

// Pattern returns the loaded pattern.
func (f *Firmware) Pattern() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pattern...)
}
