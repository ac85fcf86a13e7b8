package drain

import (
	"io"

	"github.com/banshee-data/mesofield/internal/monitoring"
)

var logs *monitoring.Streams

// SetLogWriters configures the three logging streams for the drain package.
// Pass nil for any writer to disable that stream.
func SetLogWriters(ops, diag, trace io.Writer) {
	logs = monitoring.NewStreams("drain", ops, diag, trace)
}

// opsf logs to the ops stream (actionable warnings, errors, data loss).
func opsf(format string, args ...interface{}) { logs.Opsf(format, args...) }

// diagf logs to the diag stream (session context).
func diagf(format string, args ...interface{}) { logs.Diagf(format, args...) }

// tracef logs to the trace stream (per-frame telemetry).
func tracef(format string, args ...interface{}) { logs.Tracef(format, args...) }
