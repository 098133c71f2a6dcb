// Package metrics exposes bridge counters through a private Prometheus registry.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "kiwilink"

type Collector struct {
	registry *prometheus.Registry

	commandsSubmitted prometheus.Counter
	commandsRejected  *prometheus.CounterVec
	commandsWritten   prometheus.Counter
	commandFailures   prometheus.Counter
	commandLatency    prometheus.Histogram
	videoFrames       prometheus.Counter
	videoBytes        prometheus.Counter
	videoStalls       prometheus.Counter
	sessionsOpened    prometheus.Counter
	sessionState      prometheus.Gauge
}

// New registers all bridge metrics and the Go runtime collectors on a fresh registry.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		commandsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_submitted_total",
			Help:      "Total number of command packets submitted",
		}),
		commandsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_rejected_total",
			Help:      "Total number of command packets rejected before reaching the outbox",
		}, []string{"reason"}), // reason: not_connected, backpressure, empty
		commandsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_written_total",
			Help:      "Total number of command packets written to the command channel",
		}),
		commandFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_write_failures_total",
			Help:      "Total number of accepted command packets that were never written",
		}),
		commandLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_write_latency_seconds",
			Help:      "Time from submission to write completion",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		videoFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "video_frames_total",
			Help:      "Total number of video messages received",
		}),
		videoBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "video_bytes_total",
			Help:      "Total number of video payload bytes received",
		}),
		videoStalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "video_stalls_total",
			Help:      "Number of times the video stream stalled",
		}),
		sessionsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_opened_total",
			Help:      "Total number of sessions opened",
		}),
		sessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_state",
			Help:      "Current session state (0 uninitialized, 1 connecting, 2 connected, 3 degraded, 4 closed)",
		}),
	}

	c.registry.MustRegister(
		c.commandsSubmitted,
		c.commandsRejected,
		c.commandsWritten,
		c.commandFailures,
		c.commandLatency,
		c.videoFrames,
		c.videoBytes,
		c.videoStalls,
		c.sessionsOpened,
		c.sessionState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}

	return c.registry
}

func (c *Collector) CommandSubmitted() {
	if c == nil {
		return
	}
	c.commandsSubmitted.Inc()
}

func (c *Collector) CommandRejected(reason string) {
	if c == nil {
		return
	}
	c.commandsRejected.WithLabelValues(reason).Inc()
}

// CommandWritten records a successful write, latency measured from enqueue.
func (c *Collector) CommandWritten(latency time.Duration) {
	if c == nil {
		return
	}
	c.commandsWritten.Inc()
	c.commandLatency.Observe(latency.Seconds())
}

func (c *Collector) CommandFailed() {
	if c == nil {
		return
	}
	c.commandFailures.Inc()
}

func (c *Collector) VideoFrame(size int) {
	if c == nil {
		return
	}
	c.videoFrames.Inc()
	c.videoBytes.Add(float64(size))
}

func (c *Collector) VideoStalled() {
	if c == nil {
		return
	}
	c.videoStalls.Inc()
}

func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsOpened.Inc()
}

func (c *Collector) SetSessionState(state int) {
	if c == nil {
		return
	}
	c.sessionState.Set(float64(state))
}
