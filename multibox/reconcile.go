package multibox

import (
	"image"
	"image/color"

	objdet "go.viam.com/rdk/vision/objectdetection"

	"github.com/viam-modules/multibox-tracking/metrics"
)

// ReconcileResult summarises what one detection batch did to the track table.
type ReconcileResult struct {
	Timestamp int64
	// Created holds the tracks created by the batch, in creation order.
	Created []TrackSnapshot
	// Replaced counts created tracks that took over the color of a removed one.
	Replaced int
	Rejected int
	Removed  int
}

type candidate struct {
	label      string
	confidence float64
	box        image.Rectangle
}

// reconcile must be called with t.mu held.
func (t *MultiBoxTracker) reconcile(detections []objdet.Detection, frame []byte, timestamp int64) ReconcileResult {
	res := ReconcileResult{Timestamp: timestamp}
	t.debugDets = t.debugDets[:0]

	toTrack := make([]candidate, 0, len(detections))
	for _, det := range detections {
		bb := det.BoundingBox()
		if bb == nil {
			continue
		}
		if det.Score() >= t.cfg.DetectionThreshold && det.Score() < t.cfg.displayThreshold(det.Label()) {
			t.debugDets = append(t.debugDets, det)
		}
		if t.cfg.Thresholds.IsDegenerate(*bb) {
			t.logger.Warnf("degenerate rectangle %v for %s, not tracking", *bb, det.Label())
			t.reject(metrics.RejectedDegenerate, &res)
			continue
		}
		toTrack = append(toTrack, candidate{label: det.Label(), confidence: det.Score(), box: *bb})
	}

	if len(toTrack) == 0 {
		t.logger.Debugf("nothing to track in frame %d, clearing %d tracks", timestamp, t.tracks.len())
		res.Removed += t.tracks.len()
		t.clear(metrics.RemovedReset)
		return res
	}

	if t.tracker == nil {
		t.bootstrap(toTrack, timestamp, &res)
		return res
	}

	t.logger.Debugf("%d rects to track from frame %d", len(toTrack), timestamp)
	for _, c := range toTrack {
		t.handleDetection(frame, timestamp, c, &res)
	}
	return res
}

// bootstrap rebuilds the table from the detections alone, in pool order, up to capacity.
func (t *MultiBoxTracker) bootstrap(toTrack []candidate, timestamp int64, res *ReconcileResult) {
	res.Removed += t.tracks.len()
	t.clear(metrics.RemovedReset)
	t.colors.reset()
	for i, c := range toTrack {
		identity, ok := t.colors.checkout()
		if !ok {
			t.logger.Debugf("identity pool full, dropping %d detections", len(toTrack)-i)
			for range toTrack[i:] {
				t.reject(metrics.RejectedCapacity, res)
			}
			return
		}
		obj := &TrackedObject{
			Label:      c.label,
			Confidence: c.confidence,
			Color:      identity,
			Timestamp:  timestamp,
			location:   c.box,
		}
		t.addTrack(obj)
		res.Created = append(res.Created, t.snapshotOf(obj))
	}
}

// handleDetection places one candidate into a correlated table, displacing or evicting
// weaker tracks as needed.
func (t *MultiBoxTracker) handleDetection(frame []byte, timestamp int64, c candidate, res *ReconcileResult) {
	th := t.cfg.Thresholds
	potential := t.tracker.BeginTracking(c.box, frame)

	potentialCorrelation := potential.CurrentCorrelation()
	potentialBox := potential.CurrentBox()
	t.logger.Debugf("%s went from %v to %v with correlation %.2f", c.label, c.box, potentialBox, potentialCorrelation)

	if potentialCorrelation < th.MarginalCorrelation {
		t.logger.Debugf("correlation too low to begin tracking %s at %v", c.label, potentialBox)
		potential.Stop()
		t.reject(metrics.RejectedMarginal, res)
		return
	}

	var removeList []*TrackedObject
	maxIntersect := 0.0

	// The tracked object whose color the candidate takes over. When nil, a fresh color
	// comes from the pool.
	var toReplace *TrackedObject

	for _, existing := range t.tracks.objects {
		iou := IOU(existing.Box(), potentialBox)
		if iou <= th.MaxOverlap {
			continue
		}
		// Ties go to the incumbent.
		if c.confidence <= existing.Confidence && existing.Correlation() > th.MarginalCorrelation {
			t.logger.Debugf("%s (%.2f) overlaps stronger track %s (%.2f), rejecting",
				c.label, c.confidence, existing.ID, existing.Confidence)
			potential.Stop()
			t.reject(metrics.RejectedOverlap, res)
			return
		}
		removeList = append(removeList, existing)
		if iou > maxIntersect {
			maxIntersect = iou
			toReplace = existing
		}
	}
	displaced := len(removeList) > 0

	// Pool exhausted and nothing to bump off: evict the weakest track, if weaker than the candidate.
	if t.colors.empty() && len(removeList) == 0 {
		for _, existing := range t.tracks.objects {
			if existing.Confidence < c.confidence && (toReplace == nil || existing.Confidence < toReplace.Confidence) {
				toReplace = existing
			}
		}
		if toReplace != nil {
			t.logger.Debugf("evicting %s (%.2f) to make room for %s (%.2f)",
				toReplace.ID, toReplace.Confidence, c.label, c.confidence)
			removeList = append(removeList, toReplace)
		}
	}

	reason := metrics.RemovedEvicted
	if displaced {
		reason = metrics.RemovedDisplaced
	}
	for _, obj := range removeList {
		t.logger.Debugf("removing tracked object %s (%s) with confidence %.2f, correlation %.2f",
			obj.ID, obj.Label, obj.Confidence, obj.Correlation())
		t.removeTrack(obj, reason)
		res.Removed++
		if obj != toReplace {
			t.colors.release(obj.Color)
		}
	}

	if toReplace == nil && t.colors.empty() {
		t.logger.Debugf("no room to track %s (%.2f)", c.label, c.confidence)
		potential.Stop()
		t.reject(metrics.RejectedNoRoom, res)
		return
	}

	// Use the color of a replaced object before taking one from the pool.
	var identity color.RGBA
	if toReplace != nil {
		identity = toReplace.Color
		res.Replaced++
	} else {
		identity, _ = t.colors.checkout()
	}

	obj := &TrackedObject{
		Label:      c.label,
		Confidence: c.confidence,
		Color:      identity,
		Timestamp:  timestamp,
		handle:     potential,
		location:   c.box,
	}
	t.addTrack(obj)
	t.logger.Debugf("tracking %s (%s) with confidence %.2f at %v", obj.ID, obj.Label, obj.Confidence, potentialBox)
	res.Created = append(res.Created, t.snapshotOf(obj))
}

func (t *MultiBoxTracker) reject(reason string, res *ReconcileResult) {
	res.Rejected++
	t.metrics.CandidateRejected(reason)
}
