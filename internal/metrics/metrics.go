// Package metrics exposes Prometheus collectors for the transfer pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tracklift"

// Metrics holds the pipeline collectors on a private registry.
type Metrics struct {
	registry      *prometheus.Registry
	jobs          *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	bytesUploaded prometheus.Counter
	frameRetries  prometheus.Counter
	readRetries   prometheus.Counter
	damagedRanges prometheus.Counter
	deviceFree    prometheus.Gauge
	activeJobs    prometheus.Gauge
}

// New registers the pipeline collectors plus the Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Transfer jobs that reached a terminal state.",
		}, []string{"state"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Time a job spent in each pipeline stage.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"stage"}),
		bytesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Encoded bytes acknowledged by the recorder.",
		}),
		frameRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frame_retries_total",
			Help:      "Data frame windows resent after a missing or bad acknowledgement.",
		}),
		readRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disc_rereads_total",
			Help:      "Extra disc reads issued to recover sector ranges.",
		}),
		damagedRanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disc_damaged_ranges_total",
			Help:      "Sector ranges replaced with silence after exhausting retries.",
		}),
		deviceFree: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_free_bytes",
			Help:      "Free space last reported by the recorder.",
		}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_jobs",
			Help:      "Jobs submitted and not yet terminal.",
		}),
	}
	m.registry.MustRegister(
		m.jobs, m.stageDuration, m.bytesUploaded, m.frameRetries,
		m.readRetries, m.damagedRanges, m.deviceFree, m.activeJobs,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the registry backing m.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) JobFinished(state string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(state).Inc()
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) AddUploadedBytes(n uint64) {
	if m == nil {
		return
	}
	m.bytesUploaded.Add(float64(n))
}

func (m *Metrics) FrameRetried() {
	if m == nil {
		return
	}
	m.frameRetries.Inc()
}

func (m *Metrics) AddRereads(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.readRetries.Add(float64(n))
}

func (m *Metrics) RangeDamaged() {
	if m == nil {
		return
	}
	m.damagedRanges.Inc()
}

func (m *Metrics) SetDeviceFree(free uint64) {
	if m == nil {
		return
	}
	m.deviceFree.Set(float64(free))
}

func (m *Metrics) SetActiveJobs(n int) {
	if m == nil {
		return
	}
	m.activeJobs.Set(float64(n))
}
