// Package persist writes drained frames to a multi-page container on a
// dedicated goroutine so disk latency never reaches the drain loop.
package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/mesofield/internal/acquisition"
	"github.com/banshee-data/mesofield/internal/fsutil"
	"github.com/banshee-data/mesofield/internal/metrics"
	"github.com/banshee-data/mesofield/internal/tiffstack"
	"github.com/banshee-data/mesofield/internal/version"
)

var (
	// ErrPipelineClosed is returned by Enqueue after SignalDone.
	ErrPipelineClosed = errors.New("persistence pipeline closed")
	// ErrNotStarted is returned by Enqueue and Wait before Start.
	ErrNotStarted = errors.New("persistence pipeline not started")
)

// Config configures a Pipeline.
type Config struct {
	// Camera labels logs and metrics.
	Camera string
	// FS defaults to the OS filesystem.
	FS      fsutil.FileSystem
	BigTIFF bool
	// Software is stamped into every page; defaults to version.Software().
	Software string
	Metrics  *metrics.Collectors
}

// Stats summarises a pipeline run. Written+Failed equals Enqueued once the
// pipeline has finished.
type Stats struct {
	Camera   string
	Path     string
	Expected int
	Enqueued int
	Written  int
	Failed   int
}

// Pipeline persists FramePayloads to one container file in enqueue order.
type Pipeline struct {
	cfg   Config
	queue *Queue[acquisition.FramePayload]

	mu       sync.Mutex
	started  bool
	path     string
	expected int
	done     chan struct{}
	err      error

	enqueued atomic.Int64
	written  atomic.Int64
	failed   atomic.Int64
}

// New creates an idle pipeline.
func New(cfg Config) *Pipeline {
	if cfg.FS == nil {
		cfg.FS = fsutil.OSFileSystem{}
	}
	if cfg.Software == "" {
		cfg.Software = version.Software()
	}
	return &Pipeline{
		cfg:   cfg,
		queue: NewQueue[acquisition.FramePayload](),
		done:  make(chan struct{}),
	}
}

// Start opens the container at path and launches the writer goroutine. A
// failure to open the container is fatal for the session.
func (p *Pipeline) Start(path string, expected int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return fmt.Errorf("%s: pipeline already started for %s", p.cfg.Camera, p.path)
	}

	f, err := p.cfg.FS.Create(path)
	if err != nil {
		return fmt.Errorf("%s: open container %s: %w", p.cfg.Camera, path, err)
	}
	w, err := tiffstack.NewWriter(f, tiffstack.Options{BigTIFF: p.cfg.BigTIFF, Software: p.cfg.Software})
	if err != nil {
		f.Close()
		return fmt.Errorf("%s: open container %s: %w", p.cfg.Camera, path, err)
	}

	p.started = true
	p.path = path
	p.expected = expected
	diagf("%s: writing %d expected frames to %s (bigtiff=%t)", p.cfg.Camera, expected, path, p.cfg.BigTIFF)
	go p.run(w)
	return nil
}

func (p *Pipeline) run(w *tiffstack.Writer) {
	defer close(p.done)

	for {
		fp, ok := p.queue.Pop()
		if !ok {
			break
		}
		p.cfg.Metrics.QueueDepth(p.cfg.Camera, p.queue.Len())

		page, err := pageFor(fp, p.cfg.Software)
		if err == nil {
			t := time.Now()
			err = w.WritePage(page)
			if err == nil {
				p.written.Add(1)
				p.cfg.Metrics.FrameWritten(p.cfg.Camera, time.Since(t))
				tracef("%s: wrote frame %d (page %d)", p.cfg.Camera, fp.Index, w.Pages()-1)
				continue
			}
		}
		p.failed.Add(1)
		p.cfg.Metrics.WriteFailed(p.cfg.Camera)
		opsf("%s: frame %d skipped: %v", p.cfg.Camera, fp.Index, err)
	}

	err := w.Close()
	if err != nil {
		opsf("%s: close container %s: %v", p.cfg.Camera, p.path, err)
		err = fmt.Errorf("%s: close container: %w", p.cfg.Camera, err)
	}
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	diagf("%s: container closed: %d written, %d failed of %d expected",
		p.cfg.Camera, p.written.Load(), p.failed.Load(), p.expected)
}

// Enqueue hands fp to the writer without blocking.
func (p *Pipeline) Enqueue(fp acquisition.FramePayload) error {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	if err := p.queue.Push(fp); err != nil {
		return ErrPipelineClosed
	}
	p.enqueued.Add(1)
	return nil
}

// SignalDone marks the end of the stream. Frames already queued are still
// written. It is idempotent.
func (p *Pipeline) SignalDone() {
	p.queue.Close()
}

// Wait blocks until the writer has drained the queue and closed the
// container. SignalDone must have been called, or be called concurrently.
func (p *Pipeline) Wait() (Stats, error) {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return p.Stats(), ErrNotStarted
	}
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked(), p.err
}

// Close signals done and waits for the writer. Closing a pipeline that was
// never started is a no-op.
func (p *Pipeline) Close() (Stats, error) {
	p.SignalDone()
	stats, err := p.Wait()
	if errors.Is(err, ErrNotStarted) {
		return stats, nil
	}
	return stats, err
}

// Written returns the number of frames appended so far. It only increases.
func (p *Pipeline) Written() int { return int(p.written.Load()) }

// Failed returns the number of frames skipped after a write error.
func (p *Pipeline) Failed() int { return int(p.failed.Load()) }

// Pending returns the number of frames waiting to be written.
func (p *Pipeline) Pending() int { return p.queue.Len() }

// Stats returns a snapshot of the counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *Pipeline) statsLocked() Stats {
	return Stats{
		Camera:   p.cfg.Camera,
		Path:     p.path,
		Expected: p.expected,
		Enqueued: int(p.enqueued.Load()),
		Written:  p.Written(),
		Failed:   p.Failed(),
	}
}

// FrameRecord is the per-page metadata stored as JSON in the
// ImageDescription tag.
type FrameRecord struct {
	Index       int       `json:"index"`
	Sequence    int       `json:"sequence"`
	Channel     int       `json:"channel"`
	Timestamp   time.Time `json:"timestamp"`
	ElapsedMS   float64   `json:"elapsed_ms"`
	Remaining   int       `json:"remaining"`
	Camera      string    `json:"camera"`
	ExposureMS  float64   `json:"exposure_ms"`
	TriggerPort string    `json:"trigger_port,omitempty"`
}

func recordFor(fp acquisition.FramePayload) FrameRecord {
	md := fp.Metadata
	return FrameRecord{
		Index:       fp.Index,
		Sequence:    fp.Event.Sequence,
		Channel:     fp.Event.Channel,
		Timestamp:   md.Timestamp,
		ElapsedMS:   float64(md.Elapsed) / float64(time.Millisecond),
		Remaining:   md.Remaining,
		Camera:      md.Device.Camera,
		ExposureMS:  float64(md.Device.Exposure) / float64(time.Millisecond),
		TriggerPort: md.Device.TriggerPort,
	}
}

func pageFor(fp acquisition.FramePayload, software string) (tiffstack.Page, error) {
	desc, err := json.Marshal(recordFor(fp))
	if err != nil {
		return tiffstack.Page{}, fmt.Errorf("encode metadata: %w", err)
	}
	return tiffstack.Page{
		Width:       fp.Width,
		Height:      fp.Height,
		Pixels:      fp.Pixels,
		Description: string(desc),
		Software:    software,
		DateTime:    fp.Metadata.Timestamp,
	}, nil
}

// ReadRecords re-reads a container and decodes the per-page metadata, in
// page order.
func ReadRecords(fsys fsutil.FileSystem, path string) ([]FrameRecord, []tiffstack.Page, error) {
	pages, err := tiffstack.ReadFile(fsys, path)
	if err != nil {
		return nil, pages, err
	}
	records := make([]FrameRecord, len(pages))
	for i, pg := range pages {
		if err := json.Unmarshal([]byte(pg.Description), &records[i]); err != nil {
			return nil, pages, fmt.Errorf("page %d metadata: %w", i, err)
		}
	}
	return records, pages, nil
}
