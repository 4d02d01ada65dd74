// Package metrics tracks detection pipeline counters and latency windows and
// exposes them through a Prometheus registry.
package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// windowSize is the number of recent frames in the rolling FPS and latency
// windows.
const windowSize = 120

// Metrics holds all application metrics.
type Metrics struct {
	// Frame pipeline counters
	FramesProcessed atomic.Uint64
	FramesSkipped   atomic.Uint64
	InferenceErrors atomic.Uint64

	// Tracking counters
	DetectionsTotal   atomic.Uint64
	DetectionsDropped atomic.Uint64 // malformed input
	TracksCreated     atomic.Uint64
	TracksLost        atomic.Uint64
	ActiveTracks      atomic.Uint64

	// Media store counters
	ArtifactsStored  atomic.Uint64
	ArtifactsDropped atomic.Uint64 // encode queue full or timed out
	ArtifactsEvicted atomic.Uint64
	StoredBytes      atomic.Uint64

	// Broadcast counters
	SnapshotsPublished atomic.Uint64
	UpdatesDropped     atomic.Uint64

	// Rolling latency windows
	mu              sync.Mutex
	frameTimes      []time.Time
	frameMs         []float64
	lastInferenceMs float64

	registry *prometheus.Registry
}

// Scalars is the point-in-time latency/throughput summary derived from the
// rolling windows.
type Scalars struct {
	FPS             float64
	AvgFrameMs      float64
	LastInferenceMs float64
}

// New creates a Metrics instance with its Prometheus collectors registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	gauges := []struct {
		name string
		help string
		load func() float64
	}{
		{"detector_frames_processed_total", "Total frames run through the pipeline", func() float64 { return float64(m.FramesProcessed.Load()) }},
		{"detector_frames_skipped_total", "Total frames skipped by the frame-skip setting", func() float64 { return float64(m.FramesSkipped.Load()) }},
		{"detector_inference_errors_total", "Total detector inference errors", func() float64 { return float64(m.InferenceErrors.Load()) }},
		{"detector_detections_total", "Total qualifying detections recorded", func() float64 { return float64(m.DetectionsTotal.Load()) }},
		{"detector_detections_dropped_total", "Total malformed detections dropped", func() float64 { return float64(m.DetectionsDropped.Load()) }},
		{"detector_tracks_created_total", "Total tracks created", func() float64 { return float64(m.TracksCreated.Load()) }},
		{"detector_tracks_lost_total", "Total tracks removed after the grace period", func() float64 { return float64(m.TracksLost.Load()) }},
		{"detector_active_tracks", "Currently active tracks", func() float64 { return float64(m.ActiveTracks.Load()) }},
		{"detector_artifacts_stored_total", "Total media artifacts stored", func() float64 { return float64(m.ArtifactsStored.Load()) }},
		{"detector_artifacts_dropped_total", "Total media artifacts dropped (queue full or encode timeout)", func() float64 { return float64(m.ArtifactsDropped.Load()) }},
		{"detector_artifacts_evicted_total", "Total media artifacts evicted by the storage budget", func() float64 { return float64(m.ArtifactsEvicted.Load()) }},
		{"detector_stored_bytes", "Bytes currently stored for the active session", func() float64 { return float64(m.StoredBytes.Load()) }},
		{"detector_snapshots_published_total", "Total snapshots published to the broadcaster", func() float64 { return float64(m.SnapshotsPublished.Load()) }},
		{"detector_updates_dropped_total", "Total push updates dropped for slow subscribers", func() float64 { return float64(m.UpdatesDropped.Load()) }},
		{"detector_fps", "Rolling frames per second", func() float64 { return m.Snapshot().FPS }},
		{"detector_frame_latency_ms", "Rolling average frame latency in milliseconds", func() float64 { return m.Snapshot().AvgFrameMs }},
		{"detector_last_inference_ms", "Last inference latency in milliseconds", func() float64 { return m.Snapshot().LastInferenceMs }},
	}

	for _, g := range gauges {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help},
			g.load,
		))
	}
}

// ObserveFrame records one processed frame. frame is the full wall time the
// frame spent in the pipeline step; inference is the detector's share of it.
func (m *Metrics) ObserveFrame(at time.Time, frame, inference time.Duration) {
	frameMs := float64(frame.Microseconds()) / 1000.0
	inferenceMs := float64(inference.Microseconds()) / 1000.0

	m.mu.Lock()
	defer m.mu.Unlock()

	m.frameTimes = append(m.frameTimes, at)
	if len(m.frameTimes) > windowSize {
		m.frameTimes = m.frameTimes[1:]
	}
	m.frameMs = append(m.frameMs, frameMs)
	if len(m.frameMs) > windowSize {
		m.frameMs = m.frameMs[1:]
	}
	m.lastInferenceMs = inferenceMs
}

// Snapshot computes the rolling FPS and latency scalars.
func (m *Metrics) Snapshot() Scalars {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Scalars
	s.LastInferenceMs = m.lastInferenceMs

	if n := len(m.frameTimes); n >= 2 {
		span := m.frameTimes[n-1].Sub(m.frameTimes[0]).Seconds()
		if span > 0 {
			s.FPS = float64(n-1) / span
		}
	}
	if len(m.frameMs) > 0 {
		var sum float64
		for _, v := range m.frameMs {
			sum += v
		}
		s.AvgFrameMs = sum / float64(len(m.frameMs))
	}
	return s
}

// Handler returns the Prometheus HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts the metrics HTTP server.
func (m *Metrics) StartServer(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return http.ListenAndServe(addr, mux)
}
