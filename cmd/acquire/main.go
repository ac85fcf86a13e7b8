// Command acquire runs one synchronized two-camera acquisition session and
// records it in the session ledger.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/mesofield/internal/camera"
	"github.com/banshee-data/mesofield/internal/config"
	"github.com/banshee-data/mesofield/internal/coordinator"
	"github.com/banshee-data/mesofield/internal/db"
	"github.com/banshee-data/mesofield/internal/drain"
	"github.com/banshee-data/mesofield/internal/fsutil"
	"github.com/banshee-data/mesofield/internal/illumination"
	"github.com/banshee-data/mesofield/internal/metrics"
	"github.com/banshee-data/mesofield/internal/persist"
	"github.com/banshee-data/mesofield/internal/serialmux"
	"github.com/banshee-data/mesofield/internal/trigger"
	"github.com/banshee-data/mesofield/internal/version"
)

var (
	configFile  = flag.String("config", "", "Session configuration JSON (built-in defaults when empty)")
	mesoOut     = flag.String("meso-out", "meso.ome.tiff", "Container path for the mesoscope camera")
	pupilOut    = flag.String("pupil-out", "pupil.ome.tiff", "Container path for the pupil camera")
	dbFile      = flag.String("db", "sessions.db", "Session ledger database (empty disables the ledger)")
	devMode     = flag.Bool("dev", false, "Use emulated illumination and trigger firmware instead of serial hardware")
	ledPort     = flag.String("led-port", "", "Serial path of the illumination switch (overrides led_port)")
	dioPort     = flag.String("dio-port", "", "Serial path of the digital I/O bridge (overrides dio_port)")
	debugListen = flag.String("debug-listen", "", "Address for the localhost debug and metrics listener, e.g. localhost:8081")
	testLED     = flag.Duration("test-led", 0, "Cycle the LED pattern for this long and exit without acquiring")
	verbose     = flag.Bool("verbose", false, "Enable per-frame trace logging")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// Simulated sensor geometry. Vendor camera drivers plug in behind camera.Core.
const (
	mesoWidth, mesoHeight   = 128, 128
	pupilWidth, pupilHeight = 64, 64
)

// link is a running serial link that can expose its debug routes.
type link interface {
	serialmux.SerialMuxInterface
	AttachAdminRoutes(mux *http.ServeMux)
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Software(), version.BuildTime)
		return
	}

	setLogWriters(*verbose)

	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	applyFlagOverrides(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, prometheus.DefaultRegisterer); err != nil {
		log.Printf("acquisition failed: %v", err)
		stop()
		os.Exit(1)
	}
}

func setLogWriters(trace bool) {
	var traceW io.Writer
	if trace {
		traceW = os.Stderr
	}
	coordinator.SetLogWriters(os.Stderr, os.Stderr, traceW)
	drain.SetLogWriters(os.Stderr, os.Stderr, traceW)
	persist.SetLogWriters(os.Stderr, os.Stderr, traceW)
	serialmux.SetLogWriters(os.Stderr, os.Stderr, traceW)
	illumination.SetLogWriters(os.Stderr, os.Stderr, traceW)
	trigger.SetLogWriters(os.Stderr, os.Stderr, traceW)
}

func loadConfig(path string) (*config.SessionConfig, error) {
	if path == "" {
		return config.DefaultSessionConfig(), nil
	}
	return config.LoadSessionConfig(path)
}

// applyFlagOverrides lets serial paths given on the command line win over
// the configuration file.
func applyFlagOverrides(cfg *config.SessionConfig) {
	if *ledPort != "" {
		cfg.LEDPort = ledPort
	}
	if *dioPort != "" {
		cfg.DIOPort = dioPort
	}
}

// rig holds the devices of one run.
type rig struct {
	links []link
	led   *illumination.Sequencer
	gate  *trigger.Gate
	meso  *camera.Simulated
	pupil *camera.Simulated
}

// openLink opens a serial link to a device: an emulated port in dev mode, a
// real port otherwise. An empty path outside dev mode means the device is
// absent and returns nil.
func openLink(name, path string, opts serialmux.PortOptions, fw serialmux.Firmware, dev bool) (link, error) {
	if dev {
		return serialmux.NewSerialMux(name, serialmux.NewEmulatedPort(fw)), nil
	}
	if path == "" {
		return nil, nil
	}
	m, err := serialmux.NewRealSerialMux(name, path, opts)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// buildRig creates the cameras and serial devices described by cfg.
func buildRig(cfg *config.SessionConfig, dev bool) (*rig, error) {
	r := &rig{
		meso: camera.NewSimulated(camera.SimulatedConfig{
			Name: "meso", Width: mesoWidth, Height: mesoHeight, FPS: cfg.GetMesoFPS(), TriggerPort: "Exposure",
		}),
		pupil: camera.NewSimulated(camera.SimulatedConfig{
			Name: "pupil", Width: pupilWidth, Height: pupilHeight, FPS: cfg.GetPupilFPS(),
		}),
	}

	ledLink, err := openLink("led", cfg.GetLEDPort(), cfg.GetLEDSerial(), illumination.NewFirmware().Handle, dev)
	if err != nil {
		return nil, err
	}
	if ledLink != nil {
		r.links = append(r.links, ledLink)
		sw := illumination.NewSwitchDevice(ledLink).WithTimeout(cfg.GetReplyTimeout())
		r.led = illumination.NewSequencer(sw, cfg.GetLEDPrimeValue())
	}

	dioFirmware := trigger.NewFirmware()
	// The emulated input line goes active after a few polls so dev runs gated
	// on a trigger still start.
	dioFirmware.ActivateAfterReads = 5
	dioLink, err := openLink("dio", cfg.GetDIOPort(), cfg.GetDIOSerial(), dioFirmware.Handle, dev)
	if err != nil {
		r.close()
		return nil, err
	}
	if dioLink != nil {
		r.links = append(r.links, dioLink)
	}

	mode := trigger.PassThrough
	switch {
	case cfg.GetStartOnTrigger():
		mode = trigger.Input
	case dioLink != nil:
		mode = trigger.Output
	}
	var dio trigger.DigitalIO
	if dioLink != nil {
		dio = trigger.NewSerialIO(dioLink, cfg.GetReplyTimeout())
	}
	r.gate, err = trigger.NewGate(dio, trigger.Config{
		Mode:         mode,
		Channels:     cfg.GetTriggerOutputChannels(),
		PollInterval: cfg.GetTriggerPollInterval(),
	})
	if err != nil {
		r.close()
		return nil, err
	}
	return r, nil
}

// monitor runs every link's read loop until ctx is done.
func (r *rig) monitor(ctx context.Context, wg *sync.WaitGroup) {
	for _, l := range r.links {
		wg.Go(func() {
			if err := l.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("failed to monitor %s serial port: %v", l.Name(), err)
			}
		})
	}
}

func (r *rig) close() {
	for _, l := range r.links {
		if err := l.Close(); err != nil {
			log.Printf("failed to close %s serial port: %v", l.Name(), err)
		}
	}
}

// coordinatorConfig maps the session configuration and devices onto a
// coordinator configuration.
func coordinatorConfig(cfg *config.SessionConfig, r *rig, meso, pupil string, m *metrics.Collectors) coordinator.Config {
	cc := coordinator.Config{
		Duration: cfg.GetDuration(),
		Cameras: [2]coordinator.Camera{
			{Core: r.meso, FPS: cfg.GetMesoFPS(), Output: meso},
			{Core: r.pupil, FPS: cfg.GetPupilFPS(), Output: pupil},
		},
		SafetyMargin:    cfg.GetPupilSafetyMarginFrames(),
		PollInterval:    cfg.GetDrainPollInterval(),
		TimingTolerance: cfg.GetTimingTolerance(),
		BigTIFF:         cfg.GetBigTIFF(),
		Pattern:         cfg.GetLEDPattern(),
		PulseDuration:   cfg.GetTriggerPulseDuration(),
		FS:              fsutil.OSFileSystem{},
		Metrics:         m,
	}
	// Leave the interfaces nil when the devices are absent.
	if r.led != nil {
		cc.Illumination = r.led
	}
	if r.gate != nil {
		cc.Gate = r.gate
	}
	return cc
}

func run(ctx context.Context, cfg *config.SessionConfig, reg prometheus.Registerer) error {
	r, err := buildRig(cfg, *devMode)
	if err != nil {
		return err
	}

	monitorCtx, cancelMonitor := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	r.monitor(monitorCtx, &wg)
	defer func() {
		cancelMonitor()
		r.close()
		wg.Wait()
	}()

	if *testLED > 0 {
		return runLEDTest(ctx, r.led, cfg.GetLEDPattern(), *testLED)
	}

	var ledger *db.DB
	if *dbFile != "" {
		ledger, err = db.Open(*dbFile)
		if err != nil {
			return fmt.Errorf("failed to open session ledger: %w", err)
		}
		defer ledger.Close()
	}

	m := metrics.New(reg)
	coord := coordinator.New(coordinatorConfig(cfg, r, *mesoOut, *pupilOut, m))

	if *debugListen != "" {
		srv, err := startDebugServer(*debugListen, coord, ledger, r.links)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Printf("debug server shutdown error: %v", err)
			}
		}()
	}

	log.Printf("session starting: %s for %s, meso %q, pupil %q", version.Software(), cfg.GetDuration(), *mesoOut, *pupilOut)
	rep, runErr := coord.Run(ctx)
	printReport(os.Stdout, rep)

	if ledger != nil && rep.SessionID != "" {
		s := db.SessionFromReport(rep, cfg.GetDuration(), cfg.GetSubject(), cfg.GetTask())
		if err := ledger.RecordSession(s); err != nil {
			log.Printf("failed to record session %s: %v", rep.SessionID, err)
		}
	}
	return runErr
}

// runLEDTest cycles the illumination pattern for d so the LEDs can be
// checked without acquiring.
func runLEDTest(ctx context.Context, led *illumination.Sequencer, pattern []string, d time.Duration) error {
	if led == nil {
		return errors.New("no illumination device configured")
	}
	if err := led.Load(ctx, pattern); err != nil {
		return err
	}
	if err := led.Start(ctx); err != nil {
		return err
	}
	log.Printf("LED test: cycling %v for %s", pattern, d)

	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
	return led.Stop(context.WithoutCancel(ctx))
}

// startDebugServer serves the tsweb debug routes and Prometheus metrics.
func startDebugServer(addr string, coord *coordinator.Coordinator, ledger *db.DB, links []link) (*http.Server, error) {
	mux := http.NewServeMux()
	coord.AttachAdminRoutes(mux)
	if ledger != nil {
		if err := ledger.AttachAdminRoutes(mux); err != nil {
			return nil, fmt.Errorf("failed to attach ledger routes: %w", err)
		}
	}
	for _, l := range links {
		l.AttachAdminRoutes(mux)
	}
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("debug server failed: %v", err)
		}
	}()
	log.Printf("debug listener on %s", addr)
	return srv, nil
}

// printReport writes expected against written frames for both cameras.
func printReport(w io.Writer, rep coordinator.Report) {
	fmt.Fprintf(w, "session %s: %s\n", rep.SessionID, rep.State)
	for _, cam := range rep.Cameras {
		if cam.Camera == "" {
			continue
		}
		fmt.Fprintf(w, "  %-6s expected %d written %d lost %d (stragglers %d, extras %d) -> %s\n",
			cam.Camera, cam.Expected, cam.Written, cam.Lost(), cam.Stragglers, cam.Extras, cam.Path)
		if cam.Timing.Frames > 1 {
			fmt.Fprintf(w, "         %.2f fps measured, interval %s ± %s\n",
				cam.Timing.MeasuredFPS, cam.Timing.MeanInterval, cam.Timing.StdDevInterval)
		}
	}
	if rep.SkewMeasured {
		status := "within tolerance"
		if !rep.SkewWithinTolerance {
			status = "OUT OF TOLERANCE"
		}
		fmt.Fprintf(w, "  start skew %s (%s)\n", rep.StartSkew, status)
	}
	if rep.Err != nil {
		fmt.Fprintf(w, "  error: %v\n", rep.Err)
	}
}
