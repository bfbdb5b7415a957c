package metrics

import (
	"math"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the counters of the current process. All methods are safe on a nil receiver.
type Metrics struct {
	// Frame counters
	FramesProcessed atomic.Uint64
	FramesEmpty     atomic.Uint64
	FramesSkipped   atomic.Uint64 // unreadable input

	// Detection counters
	InstancesDetected atomic.Uint64
	RowsEmitted       atomic.Uint64

	// Artifact counters
	ArtifactsWritten atomic.Uint64
	ArtifactFailures atomic.Uint64

	// Run state
	RunsStarted   atomic.Uint64
	RunsCompleted atomic.Uint64
	RunsCancelled atomic.Uint64
	RunsFailed    atomic.Uint64
	progressBits  atomic.Uint64

	inference prometheus.Histogram
	registry  *prometheus.Registry
}

// New creates a new Metrics instance with Prometheus collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		inference: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "segmetric_inference_seconds",
			Help:    "Model round trip time per frame",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	counters := []struct {
		name, help string
		v          *atomic.Uint64
	}{
		{"segmetric_frames_processed_total", "Frames taken through the pipeline", &m.FramesProcessed},
		{"segmetric_frames_empty_total", "Frames with no detections or no masks", &m.FramesEmpty},
		{"segmetric_frames_skipped_total", "Input items that could not be decoded", &m.FramesSkipped},
		{"segmetric_instances_detected_total", "Instances reported by the model", &m.InstancesDetected},
		{"segmetric_rows_emitted_total", "Measurement rows produced", &m.RowsEmitted},
		{"segmetric_artifacts_written_total", "Artifacts written to disk", &m.ArtifactsWritten},
		{"segmetric_artifact_failures_total", "Artifact writes that failed and were skipped", &m.ArtifactFailures},
		{"segmetric_runs_started_total", "Runs started", &m.RunsStarted},
		{"segmetric_runs_completed_total", "Runs that completed", &m.RunsCompleted},
		{"segmetric_runs_cancelled_total", "Runs that were cancelled", &m.RunsCancelled},
		{"segmetric_runs_failed_total", "Runs aborted by an error", &m.RunsFailed},
	}
	for _, c := range counters {
		v := c.v
		m.registry.MustRegister(prometheus.NewCounterFunc(
			prometheus.CounterOpts{Name: c.name, Help: c.help},
			func() float64 { return float64(v.Load()) },
		))
	}

	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "segmetric_run_progress_percent",
			Help: "Progress of the active run",
		},
		func() float64 { return m.Progress() },
	))
	m.registry.MustRegister(m.inference)
}

// Handler returns HTTP handler for Prometheus metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) FrameProcessed(instances int, inference time.Duration) {
	if m == nil {
		return
	}
	m.FramesProcessed.Add(1)
	m.InstancesDetected.Add(uint64(instances))
	if inference > 0 {
		m.inference.Observe(inference.Seconds())
	}
}

func (m *Metrics) FrameEmpty() {
	if m != nil {
		m.FramesEmpty.Add(1)
	}
}

func (m *Metrics) FrameSkipped() {
	if m != nil {
		m.FramesSkipped.Add(1)
	}
}

func (m *Metrics) Rows(n int) {
	if m != nil {
		m.RowsEmitted.Add(uint64(n))
	}
}

func (m *Metrics) ArtifactWritten() {
	if m != nil {
		m.ArtifactsWritten.Add(1)
	}
}

func (m *Metrics) ArtifactFailed() {
	if m != nil {
		m.ArtifactFailures.Add(1)
	}
}

func (m *Metrics) SetProgress(percent float64) {
	if m != nil {
		m.progressBits.Store(math.Float64bits(percent))
	}
}

func (m *Metrics) Progress() float64 {
	if m == nil {
		return 0
	}
	return math.Float64frombits(m.progressBits.Load())
}

// RunStarted, RunCompleted, RunCancelled and RunFailed track run outcomes.
func (m *Metrics) RunStarted() {
	if m != nil {
		m.RunsStarted.Add(1)
	}
}

func (m *Metrics) RunCompleted() {
	if m != nil {
		m.RunsCompleted.Add(1)
	}
}

func (m *Metrics) RunCancelled() {
	if m != nil {
		m.RunsCancelled.Add(1)
	}
}

func (m *Metrics) RunFailed() {
	if m != nil {
		m.RunsFailed.Add(1)
	}
}
