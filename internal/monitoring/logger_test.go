package monitoring

import (
	"bytes"
	"strings"
	"testing"
)

func TestSetLogger(t *testing.T) {
	// Save original logger
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")

	if !called {
		t.Error("Custom logger was not called")
	}

	// Now set to nil and verify it doesn't call our logger
	called = false
	SetLogger(nil)
	Logf("test")
	if called {
		t.Error("No-op logger should not have triggered callback")
	}
}

func TestLogf_Default(t *testing.T) {
	if Logf == nil {
		t.Error("Logf should not be nil by default")
	}
}

func TestStreams_RouteToWriters(t *testing.T) {
	var ops, diag, trace bytes.Buffer
	s := NewStreams("drain", &ops, &diag, &trace)

	s.Opsf("overflow on %s", "meso")
	s.Diagf("plan=%d", 50)
	s.Tracef("frame %d", 7)

	if !strings.Contains(ops.String(), "[drain] overflow on meso") {
		t.Errorf("ops stream = %q", ops.String())
	}
	if !strings.Contains(diag.String(), "[drain] plan=50") {
		t.Errorf("diag stream = %q", diag.String())
	}
	if !strings.Contains(trace.String(), "[drain] frame 7") {
		t.Errorf("trace stream = %q", trace.String())
	}
	if !s.TraceEnabled() {
		t.Error("TraceEnabled() = false with a trace writer")
	}
}

func TestStreams_NilWritersAreSilent(t *testing.T) {
	var ops bytes.Buffer
	s := NewStreams("persist", &ops, nil, nil)

	s.Diagf("should vanish")
	s.Tracef("should vanish")
	if s.TraceEnabled() {
		t.Error("TraceEnabled() = true without a trace writer")
	}
	if ops.Len() != 0 {
		t.Errorf("ops stream unexpectedly written: %q", ops.String())
	}

	// A nil *Streams must be usable as a disabled logger.
	var none *Streams
	none.Opsf("nothing")
	none.Diagf("nothing")
	none.Tracef("nothing")
}
