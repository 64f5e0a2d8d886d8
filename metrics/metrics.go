// Package metrics holds the Prometheus collectors of the multibox tracker.
package metrics

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	viamutils "go.viam.com/utils"
)

// Reasons a track leaves the table.
const (
	RemovedLowCorrelation = "low_correlation"
	RemovedDisplaced      = "displaced"
	RemovedEvicted        = "evicted"
	RemovedReset          = "reset"
)

// Reasons a candidate detection is not tracked.
const (
	RejectedMarginal   = "marginal_correlation"
	RejectedOverlap    = "overlap"
	RejectedNoRoom     = "no_room"
	RejectedDegenerate = "degenerate"
	RejectedCapacity   = "capacity"
)

// Metrics holds all tracker metrics. A nil *Metrics is valid and records nothing.
type Metrics struct {
	LiveTracks atomic.Int64

	frames              prometheus.Counter
	recognitions        prometheus.Counter
	recognitionsSkipped prometheus.Counter
	recognitionErrors   prometheus.Counter
	recognitionLatency  prometheus.Histogram
	tracksCreated       prometheus.Counter
	tracksRemoved       *prometheus.CounterVec
	candidatesRejected  *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a Metrics instance registered on its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		frames: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "multibox_frames_total",
			Help: "Frames fed to the frame lifecycle driver",
		}),
		recognitions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "multibox_recognitions_total",
			Help: "Recognition batches applied to the track table",
		}),
		recognitionsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "multibox_recognitions_skipped_total",
			Help: "Frames not submitted for recognition because one was in flight",
		}),
		recognitionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "multibox_recognition_errors_total",
			Help: "Recognizer failures, treated as empty batches",
		}),
		recognitionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "multibox_recognition_seconds",
			Help:    "Recognizer latency",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
		tracksCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "multibox_tracks_created_total",
			Help: "Tracked objects created",
		}),
		tracksRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "multibox_tracks_removed_total",
			Help: "Tracked objects removed, by reason",
		}, []string{"reason"}),
		candidatesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "multibox_candidates_rejected_total",
			Help: "Candidate detections not tracked, by reason",
		}, []string{"reason"}),
	}

	m.registry.MustRegister(
		m.frames,
		m.recognitions,
		m.recognitionsSkipped,
		m.recognitionErrors,
		m.recognitionLatency,
		m.tracksCreated,
		m.tracksRemoved,
		m.candidatesRejected,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "multibox_live_tracks",
			Help: "Tracked objects currently in the track table",
		}, func() float64 { return float64(m.LiveTracks.Load()) }),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler exposing the metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Frame counts one frame fed to the tracker.
func (m *Metrics) Frame() {
	if m != nil {
		m.frames.Inc()
	}
}

// RecognitionSkipped counts a frame dropped because a recognition was in flight.
func (m *Metrics) RecognitionSkipped() {
	if m != nil {
		m.recognitionsSkipped.Inc()
	}
}

// Recognition records one completed recognition and its latency.
func (m *Metrics) Recognition(took time.Duration, err error) {
	if m == nil {
		return
	}
	m.recognitions.Inc()
	m.recognitionLatency.Observe(took.Seconds())
	if err != nil {
		m.recognitionErrors.Inc()
	}
}

// TrackCreated counts a new tracked object.
func (m *Metrics) TrackCreated() {
	if m != nil {
		m.tracksCreated.Inc()
		m.LiveTracks.Add(1)
	}
}

// TrackRemoved counts a tracked object leaving the table for reason.
func (m *Metrics) TrackRemoved(reason string) {
	if m != nil {
		m.tracksRemoved.WithLabelValues(reason).Inc()
		m.LiveTracks.Add(-1)
	}
}

// CandidateRejected counts a detection that was not tracked for reason.
func (m *Metrics) CandidateRejected(reason string) {
	if m != nil {
		m.candidatesRejected.WithLabelValues(reason).Inc()
	}
}

// Server serves the metrics handler until Shutdown is called.
type Server struct {
	srv *http.Server
}

// Serve starts an HTTP server exposing /metrics on addr.
func (m *Metrics) Serve(addr string, onErr func(error)) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	s := &Server{srv: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}}
	viamutils.PanicCapturingGo(func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			onErr(errors.Wrapf(err, "metrics server on %s", addr))
		}
	})
	return s
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
