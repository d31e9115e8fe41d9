// Package metrics exposes Prometheus metrics for the capture pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the pipeline. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Capture
	SegmentsCaptured prometheus.Counter
	SegmentsSilent   prometheus.Counter

	// Chunk dispatch
	ChunksSubmitted  prometheus.Counter
	ChunksDuplicate  prometheus.Counter
	ChunksCompleted  prometheus.Counter
	ChunksFailed     *prometheus.CounterVec
	ChunksByPath     *prometheus.CounterVec
	ChunksInFlight   prometheus.Gauge
	ChunkLatency     prometheus.Histogram
	ChunkUploadBytes prometheus.Histogram

	// Polling
	PollAttempts *prometheus.CounterVec

	// Session lifecycle
	Checkpoints      *prometheus.CounterVec
	Finalizations    *prometheus.CounterVec
	AbandonedChunks  prometheus.Counter
	StateTransitions *prometheus.CounterVec
}

// New creates all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,

		SegmentsCaptured: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_segments_captured_total",
			Help: "Total number of audio segments emitted by the capture device",
		}),
		SegmentsSilent: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_segments_silent_total",
			Help: "Total number of segments dropped by the silence gate",
		}),

		ChunksSubmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_chunks_submitted_total",
			Help: "Total number of chunks uploaded to the stream endpoint",
		}),
		ChunksDuplicate: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_chunks_duplicate_total",
			Help: "Total number of chunk submissions discarded as duplicates",
		}),
		ChunksCompleted: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_chunks_completed_total",
			Help: "Total number of chunks resolved with a transcript",
		}),
		ChunksFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_chunks_failed_total",
			Help: "Total number of chunks that failed",
		}, []string{"reason"}),
		ChunksByPath: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_chunks_resolution_path_total",
			Help: "Chunks by resolution path (direct, worker, legacy, unexpected)",
		}, []string{"path"}),
		ChunksInFlight: f.NewGauge(prometheus.GaugeOpts{
			Name: "scribe_chunks_in_flight",
			Help: "Current number of chunks being uploaded or resolved",
		}),
		ChunkLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_chunk_latency_seconds",
			Help:    "Time from upload to transcript",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10), // 250ms to ~2 minutes
		}),
		ChunkUploadBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "scribe_chunk_upload_bytes",
			Help:    "Size of uploaded chunks in bytes",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 12), // 1KB to ~4MB
		}),

		PollAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_poll_attempts_total",
			Help: "Total number of job status polls",
		}, []string{"kind"}),

		Checkpoints: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_checkpoints_total",
			Help: "Pause checkpoints by outcome",
		}, []string{"outcome"}),
		Finalizations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_finalizations_total",
			Help: "Finalize attempts by outcome",
		}, []string{"outcome"}),
		AbandonedChunks: f.NewCounter(prometheus.CounterOpts{
			Name: "scribe_abandoned_chunks_total",
			Help: "Chunks still unresolved when finalize stopped waiting",
		}),
		StateTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "scribe_state_transitions_total",
			Help: "Session state transitions by target state",
		}, []string{"to"}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSegment counts a captured segment and whether it was silent.
func (m *Metrics) RecordSegment(silent bool) {
	if m == nil {
		return
	}
	m.SegmentsCaptured.Inc()
	if silent {
		m.SegmentsSilent.Inc()
	}
}

// RecordSubmitted counts an upload and tracks it as in flight.
func (m *Metrics) RecordSubmitted(size int) {
	if m == nil {
		return
	}
	m.ChunksSubmitted.Inc()
	m.ChunkUploadBytes.Observe(float64(size))
	m.ChunksInFlight.Inc()
}

// RecordDuplicate counts a discarded duplicate.
func (m *Metrics) RecordDuplicate() {
	if m == nil {
		return
	}
	m.ChunksDuplicate.Inc()
}

// RecordPath counts how a chunk was resolved.
func (m *Metrics) RecordPath(path string) {
	if m == nil {
		return
	}
	m.ChunksByPath.WithLabelValues(path).Inc()
}

// RecordCompleted counts a resolved chunk and its latency.
func (m *Metrics) RecordCompleted(latency time.Duration) {
	if m == nil {
		return
	}
	m.ChunksCompleted.Inc()
	m.ChunkLatency.Observe(latency.Seconds())
	m.ChunksInFlight.Dec()
}

// RecordFailed counts a failed chunk.
func (m *Metrics) RecordFailed(reason string) {
	if m == nil {
		return
	}
	m.ChunksFailed.WithLabelValues(reason).Inc()
	m.ChunksInFlight.Dec()
}

// RecordPoll counts one status poll of the given kind (chunk, diarization).
func (m *Metrics) RecordPoll(kind string) {
	if m == nil {
		return
	}
	m.PollAttempts.WithLabelValues(kind).Inc()
}

// RecordCheckpoint counts a checkpoint outcome.
func (m *Metrics) RecordCheckpoint(ok bool) {
	if m == nil {
		return
	}
	m.Checkpoints.WithLabelValues(outcome(ok)).Inc()
}

// RecordFinalize counts a finalize outcome and the chunks it abandoned.
func (m *Metrics) RecordFinalize(ok bool, abandoned int) {
	if m == nil {
		return
	}
	m.Finalizations.WithLabelValues(outcome(ok)).Inc()
	m.AbandonedChunks.Add(float64(abandoned))
}

// RecordTransition counts a state transition.
func (m *Metrics) RecordTransition(to string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(to).Inc()
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
