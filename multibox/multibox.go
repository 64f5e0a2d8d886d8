package multibox

import (
	"sync"

	"github.com/google/uuid"
	"go.viam.com/rdk/logging"
	objdet "go.viam.com/rdk/vision/objectdetection"

	"github.com/viam-modules/multibox-tracking/metrics"
)

// MultiBoxTracker owns the track table and identity pool. Every method takes the same
// lock, so the per-frame driver, the recognition worker and readers never interleave.
type MultiBoxTracker struct {
	mu      sync.Mutex
	logger  logging.Logger
	cfg     *Config
	metrics *metrics.Metrics

	newTracker  TrackerFactory
	initialized bool
	tracker     CorrelationTracker

	frameWidth  int
	frameHeight int
	orientation int

	tracks    trackTable
	colors    *colorPool
	numShown  int
	debugDets []objdet.Detection
}

// New returns a tracker. newTracker may be nil, in which case the tracker never
// correlates and rebuilds its table from every detection batch.
func New(cfg *Config, newTracker TrackerFactory, m *metrics.Metrics, logger logging.Logger) *MultiBoxTracker {
	return &MultiBoxTracker{
		logger:     logger,
		cfg:        cfg,
		metrics:    m,
		newTracker: newTracker,
		colors:     newColorPool(cfg.PoolSize),
	}
}

// Config returns the configuration the tracker was built with.
func (t *MultiBoxTracker) Config() *Config {
	return t.cfg
}

// OnFrame runs once per captured frame: it lazily creates the correlation tracker,
// advances it to frame and drops every track whose correlation fell below the minimum.
func (t *MultiBoxTracker) OnFrame(width, height, stride, orientation int, frame []byte, timestamp int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.metrics.Frame()

	if !t.initialized {
		t.initialized = true
		t.frameWidth = width
		t.frameHeight = height
		t.orientation = orientation
		t.initTracker(width, height, stride)
	}
	if t.tracker == nil {
		return
	}

	t.tracker.Advance(frame, timestamp)

	// Clean up any objects not worth tracking any more.
	for _, obj := range t.tracks.snapshot() {
		correlation := obj.Correlation()
		if correlation < t.cfg.Thresholds.MinCorrelation {
			t.logger.Debugf("removing tracked object %s (%s) because correlation is %.2f", obj.ID, obj.Label, correlation)
			t.removeTrack(obj, metrics.RemovedLowCorrelation)
			t.colors.release(obj.Color)
		}
	}
}

func (t *MultiBoxTracker) initTracker(width, height, stride int) {
	if t.newTracker == nil {
		t.logger.Infof("no correlation tracker configured, tracking from detections only")
		return
	}
	tr, err := t.newTracker(width, height, stride)
	if err != nil {
		t.logger.Warnf("correlation tracking unavailable, tracking from detections only: %v", err)
		return
	}
	if tr == nil {
		t.logger.Warnf("correlation tracking unavailable for %dx%d frames, tracking from detections only", width, height)
		return
	}
	t.logger.Infof("initialized correlation tracker for %dx%d frames (stride %d)", width, height, stride)
	// Tracks built from detections alone have no handle to follow or prune them.
	if t.tracks.len() > 0 {
		t.logger.Debugf("dropping %d tracks made before the first frame", t.tracks.len())
		t.clear(metrics.RemovedReset)
	}
	t.tracker = tr
}

// Correlated reports whether a correlation tracker is following the tracks.
func (t *MultiBoxTracker) Correlated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tracker != nil
}

// FrameGeometry returns the frame size and sensor orientation seen on the first frame.
func (t *MultiBoxTracker) FrameGeometry() (width, height, orientation int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.frameWidth, t.frameHeight, t.orientation, t.initialized
}

// TrackResults merges a detection batch computed from frame at timestamp into the table.
func (t *MultiBoxTracker) TrackResults(detections []objdet.Detection, frame []byte, timestamp int64) ReconcileResult {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reconcile(detections, frame, timestamp)
}

// Snapshot returns the live tracks in table order.
func (t *MultiBoxTracker) Snapshot() []TrackSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]TrackSnapshot, 0, t.tracks.len())
	for _, obj := range t.tracks.objects {
		out = append(out, t.snapshotOf(obj))
	}
	return out
}

// VisibleDetections returns the live tracks that pass their class display threshold,
// as detections at their current position.
func (t *MultiBoxTracker) VisibleDetections() []objdet.Detection {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]objdet.Detection, 0, t.tracks.len())
	for _, obj := range t.tracks.objects {
		if t.cfg.IsVisible(obj.Label, obj.Confidence) {
			out = append(out, objdet.NewDetection(obj.Box(), obj.Confidence, obj.Label))
		}
	}
	return out
}

// NumShown returns how many live tracks belong to a shown class.
func (t *MultiBoxTracker) NumShown() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.numShown
}

// DebugDetections returns the detections of the last batch that were confident enough to
// report but below their class display threshold.
func (t *MultiBoxTracker) DebugDetections() []objdet.Detection {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]objdet.Detection(nil), t.debugDets...)
}

// Close stops every correlation handle, empties the table and releases the correlation
// tracker. The tracker does not correlate again afterwards.
func (t *MultiBoxTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clear(metrics.RemovedReset)
	if closer, ok := t.tracker.(interface{ Close() }); ok {
		closer.Close()
	}
	t.tracker = nil
	t.initialized = true
}

func (t *MultiBoxTracker) snapshotOf(obj *TrackedObject) TrackSnapshot {
	s := TrackSnapshot{
		ID:          obj.ID.String(),
		Label:       obj.Label,
		Confidence:  obj.Confidence,
		Box:         obj.Box(),
		Color:       obj.Color,
		Correlation: obj.Correlation(),
		Visible:     t.cfg.IsVisible(obj.Label, obj.Confidence),
		Timestamp:   obj.Timestamp,
	}
	if c, ok := t.cfg.Class(obj.Label); ok {
		s.ClassColor = c.Color
	}
	return s
}

func (t *MultiBoxTracker) addTrack(obj *TrackedObject) {
	if obj.ID == uuid.Nil {
		obj.ID = uuid.New()
	}
	t.tracks.add(obj)
	if t.cfg.IsShown(obj.Label) {
		t.numShown++
	}
	t.metrics.TrackCreated()
}

// removeTrack stops and removes obj. The caller decides what happens to its color.
func (t *MultiBoxTracker) removeTrack(obj *TrackedObject, reason string) {
	obj.stop()
	t.tracks.remove(obj)
	if t.cfg.IsShown(obj.Label) {
		t.numShown--
	}
	t.metrics.TrackRemoved(reason)
}

// clear removes every track and returns all colors.
func (t *MultiBoxTracker) clear(reason string) {
	for _, obj := range t.tracks.snapshot() {
		t.removeTrack(obj, reason)
		t.colors.release(obj.Color)
	}
	t.tracks.clear()
	t.numShown = 0
}
