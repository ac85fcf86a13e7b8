package main

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/mesofield/internal/acquisition"
	"github.com/banshee-data/mesofield/internal/config"
	"github.com/banshee-data/mesofield/internal/coordinator"
	"github.com/banshee-data/mesofield/internal/db"
	"github.com/banshee-data/mesofield/internal/illumination"
	"github.com/banshee-data/mesofield/internal/serialmux"
	"github.com/banshee-data/mesofield/internal/trigger"
)

func TestFlagDefaults(t *testing.T) {
	assert.Equal(t, "", *configFile)
	assert.Equal(t, "meso.ome.tiff", *mesoOut)
	assert.Equal(t, "pupil.ome.tiff", *pupilOut)
	assert.Equal(t, "sessions.db", *dbFile)
	assert.False(t, *devMode)
	assert.Equal(t, "", *debugListen)
	assert.Equal(t, time.Duration(0), *testLED)
}

// setFlag overrides a flag variable for the duration of the test.
func setFlag[T any](t *testing.T, p *T, v T) {
	t.Helper()
	old := *p
	*p = v
	t.Cleanup(func() { *p = old })
}

func TestApplyFlagOverrides(t *testing.T) {
	setFlag(t, ledPort, "/dev/ttyACM0")

	cfg := config.DefaultSessionConfig()
	applyFlagOverrides(cfg)
	assert.Equal(t, "/dev/ttyACM0", cfg.GetLEDPort())
	assert.Equal(t, "", cfg.GetDIOPort())
}

func TestLoadConfig(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, cfg.GetDuration())

	_, err = loadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestBuildRigDevMode(t *testing.T) {
	r, err := buildRig(config.DefaultSessionConfig(), true)
	require.NoError(t, err)
	defer r.close()

	require.Len(t, r.links, 2)
	assert.Equal(t, "led", r.links[0].Name())
	assert.Equal(t, "dio", r.links[1].Name())
	assert.NotNil(t, r.led)
	assert.Equal(t, trigger.Output, r.gate.Mode())
}

func TestBuildRigDevModeStartOnTrigger(t *testing.T) {
	cfg := config.DefaultSessionConfig()
	on := true
	cfg.StartOnTrigger = &on

	r, err := buildRig(cfg, true)
	require.NoError(t, err)
	defer r.close()
	assert.Equal(t, trigger.Input, r.gate.Mode())
}

func TestBuildRigWithoutHardware(t *testing.T) {
	r, err := buildRig(config.DefaultSessionConfig(), false)
	require.NoError(t, err)
	defer r.close()

	assert.Empty(t, r.links)
	assert.Nil(t, r.led)
	assert.Equal(t, trigger.PassThrough, r.gate.Mode())

	cc := coordinatorConfig(config.DefaultSessionConfig(), r, "a.tiff", "b.tiff", nil)
	assert.Nil(t, cc.Illumination)
	assert.NotNil(t, cc.Gate)
}

func TestBuildRigTriggerNeedsDIO(t *testing.T) {
	cfg := config.DefaultSessionConfig()
	on := true
	cfg.StartOnTrigger = &on

	_, err := buildRig(cfg, false)
	assert.True(t, errors.Is(err, acquisition.ErrConfiguration), "got %v", err)
}

func TestCoordinatorConfig(t *testing.T) {
	cfg := config.DefaultSessionConfig()
	r, err := buildRig(cfg, true)
	require.NoError(t, err)
	defer r.close()

	cc := coordinatorConfig(cfg, r, "/data/meso.ome.tiff", "/data/pupil.ome.tiff", nil)
	assert.Equal(t, 60*time.Second, cc.Duration)
	assert.Equal(t, 10, cc.SafetyMargin)
	assert.Equal(t, "/data/meso.ome.tiff", cc.Cameras[0].Output)
	assert.Equal(t, "/data/pupil.ome.tiff", cc.Cameras[1].Output)
	assert.Equal(t, 50.0, cc.Cameras[0].FPS)
	assert.Equal(t, 34.0, cc.Cameras[1].FPS)
	assert.Equal(t, []string{"4", "4", "16", "16"}, cc.Pattern)
	assert.True(t, cc.BigTIFF)
	assert.NotNil(t, cc.Illumination)
	assert.Equal(t, time.Second, cc.PulseDuration)

	plans, err := coordinator.New(cc).Plans()
	require.NoError(t, err)
	assert.Equal(t, 3000, plans[0].FrameCount)
	assert.Equal(t, 2050, plans[1].FrameCount)
}

func TestRunLEDTest(t *testing.T) {
	fw := illumination.NewFirmware()
	port := serialmux.NewEmulatedPort(fw.Handle)
	link := serialmux.NewSerialMux("led", port)
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Go(func() { _ = link.Monitor(ctx) })
	defer func() {
		cancel()
		link.Close()
		wg.Wait()
	}()

	led := illumination.NewSequencer(illumination.NewSwitchDevice(link), "4")
	require.NoError(t, runLEDTest(context.Background(), led, []string{"4", "16"}, 10*time.Millisecond))

	assert.Equal(t, []string{"4", "16"}, fw.Pattern())
	assert.False(t, fw.Cycling())
	assert.Equal(t, []string{"LOAD 4,16", "SET 4", "START", "STOP"}, port.Commands())
}

func TestRunLEDTestWithoutDevice(t *testing.T) {
	assert.Error(t, runLEDTest(context.Background(), nil, []string{"4"}, time.Millisecond))
}

func TestPrintReport(t *testing.T) {
	rep := coordinator.Report{
		SessionID:           "abc",
		State:               coordinator.Closed,
		StartSkew:           2 * time.Millisecond,
		SkewMeasured:        true,
		SkewWithinTolerance: false,
	}
	rep.Cameras[0] = coordinator.CameraReport{Camera: "meso", Path: "m.tiff", Expected: 100, Written: 98}
	rep.Cameras[1] = coordinator.CameraReport{Camera: "pupil", Path: "p.tiff", Expected: 78, Written: 78}

	var buf bytes.Buffer
	printReport(&buf, rep)
	out := buf.String()

	assert.Contains(t, out, "session abc: closed")
	assert.Contains(t, out, "expected 100 written 98 lost 2")
	assert.Contains(t, out, "expected 78 written 78 lost 0")
	assert.Contains(t, out, "OUT OF TOLERANCE")
	assert.False(t, strings.Contains(out, "error:"))
}

func TestRunDevSession(t *testing.T) {
	dir := t.TempDir()
	setFlag(t, devMode, true)
	setFlag(t, mesoOut, filepath.Join(dir, "meso.ome.tiff"))
	setFlag(t, pupilOut, filepath.Join(dir, "pupil.ome.tiff"))
	setFlag(t, dbFile, filepath.Join(dir, "sessions.db"))

	cfg := config.DefaultSessionConfig()
	d, pulse := "200ms", "10ms"
	cfg.Duration = &d
	cfg.TriggerPulseDuration = &pulse

	require.NoError(t, run(context.Background(), cfg, prometheus.NewRegistry()))

	ledger, err := db.Open(*dbFile)
	require.NoError(t, err)
	defer ledger.Close()

	sessions, err := ledger.Sessions(0)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	s := sessions[0]
	assert.Equal(t, "closed", s.State)
	assert.Empty(t, s.Error)
	require.Len(t, s.Cameras, 2)
	assert.Equal(t, 10, s.Cameras[0].Expected)
	assert.Equal(t, 10, s.Cameras[0].Written)
	assert.Equal(t, 17, s.Cameras[1].Expected)
	assert.Equal(t, 17, s.Cameras[1].Written)
	assert.FileExists(t, *mesoOut)
	assert.FileExists(t, *pupilOut)
}
