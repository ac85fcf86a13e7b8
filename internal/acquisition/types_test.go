package acquisition

import (
	"errors"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEvents_RowMajor(t *testing.T) {
	got := slices.Collect(Events(3, 2))
	want := []AcquisitionEvent{
		{0, 0}, {0, 1},
		{1, 0}, {1, 1},
		{2, 0}, {2, 1},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Events(3, 2) mismatch (-want +got):\n%s", diff)
	}
}

func TestEvents_MatchesEventAt(t *testing.T) {
	for _, channels := range []int{1, 2, 3} {
		n := 0
		for ev := range Events(7, channels) {
			if got := EventAt(n, channels); got != ev {
				t.Errorf("channels=%d: EventAt(%d) = %v, want %v", channels, n, got, ev)
			}
			n++
		}
		if n != 7*channels {
			t.Errorf("channels=%d: enumerated %d events, want %d", channels, n, 7*channels)
		}
	}
}

func TestEvents_EmptyAndEarlyStop(t *testing.T) {
	if got := slices.Collect(Events(0, 4)); len(got) != 0 {
		t.Errorf("Events(0, 4) = %v, want empty", got)
	}

	// Channel counts below one behave as a single channel.
	if got := slices.Collect(Events(2, 0)); len(got) != 2 {
		t.Errorf("Events(2, 0) yielded %d events, want 2", len(got))
	}

	count := 0
	for range Events(100, 1) {
		count++
		if count == 5 {
			break
		}
	}
	if count != 5 {
		t.Errorf("early break consumed %d events", count)
	}
}

func TestSequencePlan_Validate(t *testing.T) {
	tests := []struct {
		name    string
		plan    SequencePlan
		wantErr bool
	}{
		{"zero frames", SequencePlan{FrameCount: 0}, false},
		{"positive", SequencePlan{FrameCount: 50}, false},
		{"negative frames", SequencePlan{FrameCount: -1}, true},
		{"negative interval", SequencePlan{FrameCount: 1, Interval: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.plan.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrConfiguration) {
				t.Errorf("error %v does not wrap ErrConfiguration", err)
			}
		})
	}
}

func TestFramePayload_Validate(t *testing.T) {
	ok := FramePayload{Width: 2, Height: 2, Pixels: make([]uint16, 4)}
	if err := ok.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	short := FramePayload{Width: 2, Height: 2, Pixels: make([]uint16, 3)}
	if err := short.Validate(); err == nil {
		t.Error("expected error for short pixel buffer")
	}
	empty := FramePayload{}
	if err := empty.Validate(); err == nil {
		t.Error("expected error for empty shape")
	}
}

func TestDeviceError(t *testing.T) {
	if DeviceError("led", nil) != nil {
		t.Error("DeviceError(nil) should be nil")
	}
	cause := errors.New("timeout")
	err := DeviceError("led", cause)
	if !errors.Is(err, ErrDeviceCommunication) || !errors.Is(err, cause) {
		t.Errorf("DeviceError lost wrapping: %v", err)
	}
	// Wrapping twice does not repeat the sentinel text.
	again := DeviceError("coordinator", err)
	if !errors.Is(again, ErrDeviceCommunication) {
		t.Errorf("re-wrapped error lost sentinel: %v", again)
	}
}
