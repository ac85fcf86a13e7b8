package monitoring

import (
	"io"
	"log"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Streams holds the three logging streams used by the acquisition packages:
//
//   - ops: actionable warnings, errors and data loss
//   - diag: day-to-day diagnostics and session context
//   - trace: high-frequency per-frame telemetry
//
// A nil logger disables that stream. The zero value logs nothing.
type Streams struct {
	prefix string
	ops    *log.Logger
	diag   *log.Logger
	trace  *log.Logger
}

// NewStreams builds a Streams value whose loggers are prefixed with
// "[name] ". Pass nil for any writer to disable that stream.
func NewStreams(name string, ops, diag, trace io.Writer) *Streams {
	prefix := "[" + name + "] "
	return &Streams{
		prefix: prefix,
		ops:    newLogger(prefix, ops),
		diag:   newLogger(prefix, diag),
		trace:  newLogger(prefix, trace),
	}
}

func newLogger(prefix string, w io.Writer) *log.Logger {
	if w == nil {
		return nil
	}
	return log.New(w, prefix, log.LstdFlags|log.Lmicroseconds)
}

// Opsf logs to the ops stream.
func (s *Streams) Opsf(format string, args ...interface{}) {
	if s != nil && s.ops != nil {
		s.ops.Printf(format, args...)
	}
}

// Diagf logs to the diag stream.
func (s *Streams) Diagf(format string, args ...interface{}) {
	if s != nil && s.diag != nil {
		s.diag.Printf(format, args...)
	}
}

// Tracef logs to the trace stream.
func (s *Streams) Tracef(format string, args ...interface{}) {
	if s != nil && s.trace != nil {
		s.trace.Printf(format, args...)
	}
}

// TraceEnabled reports whether the trace stream is active, so hot loops can
// skip formatting arguments nobody will read.
func (s *Streams) TraceEnabled() bool {
	return s != nil && s.trace != nil
}
