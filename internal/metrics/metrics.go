// Package metrics holds the Prometheus collectors shared by the drain,
// persistence and coordinator packages. Every series is labelled by camera.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collectors groups the acquisition metrics. A nil *Collectors is valid and
// records nothing, so components can run without a registry.
type Collectors struct {
	framesDrained *prometheus.CounterVec
	stragglers    *prometheus.CounterVec
	overflows     *prometheus.CounterVec
	framesWritten *prometheus.CounterVec
	writeFailures *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
	writeLatency  *prometheus.HistogramVec
	sessions      *prometheus.CounterVec
	startSkew     prometheus.Gauge
	measuredFPS   *prometheus.GaugeVec
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is convenient in tests.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		framesDrained: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesofield_frames_drained_total",
			Help: "Frames popped from a camera ring buffer.",
		}, []string{"camera"}),
		stragglers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesofield_straggler_frames_total",
			Help: "Frames drained after the hardware reported the sequence finished.",
		}, []string{"camera"}),
		overflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesofield_buffer_overflows_total",
			Help: "Camera ring buffer overflows.",
		}, []string{"camera"}),
		framesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesofield_frames_written_total",
			Help: "Frames appended to a container file.",
		}, []string{"camera"}),
		writeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesofield_frame_write_failures_total",
			Help: "Frames skipped because appending them to the container failed.",
		}, []string{"camera"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mesofield_persistence_queue_length",
			Help: "Frames waiting in the persistence queue.",
		}, []string{"camera"}),
		writeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mesofield_frame_write_seconds",
			Help:    "Time to append one frame to the container.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"camera"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mesofield_sessions_total",
			Help: "Completed acquisition sessions by final state.",
		}, []string{"state"}),
		startSkew: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mesofield_start_skew_seconds",
			Help: "Difference between the first frame timestamps of the two cameras in the last session.",
		}),
		measuredFPS: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mesofield_measured_fps",
			Help: "Frame rate measured from frame timestamps in the last session.",
		}, []string{"camera"}),
	}
	if reg != nil {
		reg.MustRegister(
			c.framesDrained, c.stragglers, c.overflows,
			c.framesWritten, c.writeFailures, c.queueDepth, c.writeLatency,
			c.sessions, c.startSkew, c.measuredFPS,
		)
	}
	return c
}

func (c *Collectors) FrameDrained(camera string) {
	if c != nil {
		c.framesDrained.WithLabelValues(camera).Inc()
	}
}

func (c *Collectors) Straggler(camera string) {
	if c != nil {
		c.stragglers.WithLabelValues(camera).Inc()
	}
}

func (c *Collectors) Overflow(camera string) {
	if c != nil {
		c.overflows.WithLabelValues(camera).Inc()
	}
}

// FrameWritten records a successful append and its latency.
func (c *Collectors) FrameWritten(camera string, took time.Duration) {
	if c != nil {
		c.framesWritten.WithLabelValues(camera).Inc()
		c.writeLatency.WithLabelValues(camera).Observe(took.Seconds())
	}
}

func (c *Collectors) WriteFailed(camera string) {
	if c != nil {
		c.writeFailures.WithLabelValues(camera).Inc()
	}
}

func (c *Collectors) QueueDepth(camera string, n int) {
	if c != nil {
		c.queueDepth.WithLabelValues(camera).Set(float64(n))
	}
}

func (c *Collectors) SessionFinished(state string) {
	if c != nil {
		c.sessions.WithLabelValues(state).Inc()
	}
}

func (c *Collectors) StartSkew(d time.Duration) {
	if c != nil {
		c.startSkew.Set(d.Seconds())
	}
}

func (c *Collectors) MeasuredFPS(camera string, fps float64) {
	if c != nil {
		c.measuredFPS.WithLabelValues(camera).Set(fps)
	}
}
