package coordinator

import (
	"io"

	"github.com/banshee-data/mesofield/internal/monitoring"
)

var logs *monitoring.Streams

// SetLogWriters configures the logging streams for the coordinator. Pass nil
// for any writer to disable that stream.
func SetLogWriters(ops, diag, trace io.Writer) {
	logs = monitoring.NewStreams("coordinator", ops, diag, trace)
}

func opsf(format string, args ...interface{})  { logs.Opsf(format, args...) }
func diagf(format string, args ...interface{}) { logs.Diagf(format, args...) }
