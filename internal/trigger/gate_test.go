package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mesofield/internal/acquisition"
	"github.com/banshee-data/mesofield/internal/serialmux"
	"github.com/banshee-data/mesofield/internal/timeutil"
)

var t0 = time.Date(2024, 3, 14, 9, 0, 0, 0, time.UTC)

func emulatedIO(t *testing.T, fw *Firmware) *SerialIO {
	t.Helper()
	link := serialmux.NewSerialMux("dio", serialmux.NewEmulatedPort(fw.Handle))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = link.Monitor(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		link.Close()
		<-done
	})
	return NewSerialIO(link, time.Second)
}

// fakeIO is an in-memory DigitalIO.
type fakeIO struct {
	mu      sync.Mutex
	levels  []bool
	writes  [][]bool
	resets  int
	readErr error
}

func (f *fakeIO) Read(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return false, f.readErr
	}
	if len(f.levels) == 0 {
		return false, nil
	}
	v := f.levels[0]
	f.levels = f.levels[1:]
	return v, nil
}

func (f *fakeIO) Write(_ context.Context, levels []bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, append([]bool(nil), levels...))
	return nil
}

func (f *fakeIO) Reset(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func TestGate_PassThroughReturnsImmediately(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	g, err := NewGate(nil, Config{Clock: clock})
	require.NoError(t, err)

	at, err := g.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, t0, at)
	assert.Empty(t, clock.Sleeps())
	assert.NoError(t, g.Reset(context.Background()))
}

func TestGate_InputPollsUntilActive(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	dio := &fakeIO{levels: []bool{false, false, false, true}}
	g, err := NewGate(dio, Config{Mode: Input, Clock: clock})
	require.NoError(t, err)

	at, err := g.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{DefaultPollInterval, DefaultPollInterval, DefaultPollInterval}, clock.Sleeps())
	assert.Equal(t, t0.Add(300*time.Millisecond), at)

	require.NoError(t, g.Reset(context.Background()))
	assert.Equal(t, 1, dio.resets)
	assert.Empty(t, dio.writes, "input gates never drive outputs")

	require.NoError(t, g.Reset(context.Background()))
	assert.Equal(t, 1, dio.resets, "second reset without use is a no-op")
}

func TestGate_InputCancelled(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	ctx, cancel := context.WithCancel(context.Background())
	clock.OnSleep(func(now time.Time) {
		if now.Sub(t0) >= time.Second {
			cancel()
		}
	})
	g, err := NewGate(&fakeIO{}, Config{Mode: Input, Clock: clock})
	require.NoError(t, err)

	_, err = g.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, clock.Sleeps(), 10)
}

func TestGate_InputReadError(t *testing.T) {
	g, err := NewGate(&fakeIO{readErr: errors.New("unplugged")}, Config{Mode: Input, Clock: timeutil.NewMockClock(t0)})
	require.NoError(t, err)
	_, err = g.Wait(context.Background())
	assert.ErrorIs(t, err, acquisition.ErrDeviceCommunication)
}

func TestGate_Pulse(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	dio := &fakeIO{}
	g, err := NewGate(dio, Config{Mode: Output, Channels: 2, Clock: clock})
	require.NoError(t, err)

	require.NoError(t, pulse(t, clock, g, context.Background(), time.Second))
	assert.Equal(t, [][]bool{{true, true}, {false, false}}, dio.writes)
	assert.False(t, clock.Now().Before(t0.Add(time.Second)), "lines held for the full pulse")

	require.NoError(t, g.Reset(context.Background()))
	assert.Equal(t, [][]bool{{true, true}, {false, false}, {false, false}}, dio.writes)
	assert.Equal(t, 1, dio.resets)
}

// pulse runs g.Pulse while advancing clock until the pulse returns.
func pulse(t *testing.T, clock *timeutil.MockClock, g *Gate, ctx context.Context, d time.Duration) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- g.Pulse(ctx, d) }()
	for {
		select {
		case err := <-done:
			return err
		case <-time.After(time.Millisecond):
			clock.Advance(d / 10)
		}
	}
}

func TestGate_PulseCancelled(t *testing.T) {
	clock := timeutil.NewMockClock(t0)
	dio := &fakeIO{}
	g, err := NewGate(dio, Config{Mode: Output, Clock: clock})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- g.Pulse(ctx, time.Hour) }()

	require.Eventually(t, func() bool {
		dio.mu.Lock()
		defer dio.mu.Unlock()
		return len(dio.writes) == 1
	}, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("pulse did not return after cancel")
	}
	assert.Equal(t, [][]bool{{true}, {false}}, dio.writes, "lines lowered after cancel")
	assert.Equal(t, t0, clock.Now())
}

func TestGate_ModeErrors(t *testing.T) {
	_, err := NewGate(nil, Config{Mode: Input})
	assert.ErrorIs(t, err, acquisition.ErrConfiguration)

	g, err := NewGate(&fakeIO{}, Config{Mode: Input})
	require.NoError(t, err)
	assert.ErrorIs(t, g.Pulse(context.Background(), time.Millisecond), acquisition.ErrConfiguration)
	assert.Equal(t, "input", g.Mode().String())
}

func TestSerialIO_EmulatedFirmware(t *testing.T) {
	fw := NewFirmware()
	fw.ActivateAfterReads = 3
	dio := emulatedIO(t, fw)
	clock := timeutil.NewMockClock(t0)

	g, err := NewGate(dio, Config{Mode: Input, Clock: clock})
	require.NoError(t, err)
	_, err = g.Wait(context.Background())
	require.NoError(t, err)
	assert.Len(t, clock.Sleeps(), 2)

	require.NoError(t, g.Reset(context.Background()))
	assert.Equal(t, 1, fw.Resets())

	out, err := NewGate(dio, Config{Mode: Output, Channels: 3, Clock: clock})
	require.NoError(t, err)
	require.NoError(t, pulse(t, clock, out, context.Background(), 10*time.Millisecond))
	assert.Equal(t, [][]bool{{true, true, true}, {false, false, false}}, fw.Writes())
	assert.Equal(t, []bool{false, false, false}, fw.Outputs())
}

func TestSerialIO_ErrReply(t *testing.T) {
	dio := emulatedIO(t, &Firmware{})
	err := dio.Write(context.Background(), nil)
	assert.ErrorIs(t, err, ErrBadReply)
}
