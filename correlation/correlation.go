// Package correlation follows boxes across grayscale frames by normalized cross-correlation
// template matching.
package correlation

import (
	"image"
	"math"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/viam-modules/multibox-tracking/multibox"
)

const (
	// searchMargin is the fraction of a box's larger side searched around it on each frame.
	searchMargin = 0.5
	minSearchPx  = 8
)

// Tracker holds the latest frame and every live handle.
type Tracker struct {
	width, height, stride int

	frame     gocv.Mat
	hasFrame  bool
	timestamp int64
	handles   map[*Handle]struct{}
}

// New returns a tracker for luminance frames of the given geometry.
func New(width, height, stride int) (*Tracker, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid frame size %dx%d", width, height)
	}
	if stride < width {
		return nil, errors.Errorf("row stride %d is smaller than frame width %d", stride, width)
	}
	return &Tracker{
		width:   width,
		height:  height,
		stride:  stride,
		handles: make(map[*Handle]struct{}),
	}, nil
}

// Factory is a multibox.TrackerFactory backed by New.
func Factory(width, height, stride int) (multibox.CorrelationTracker, error) {
	t, err := New(width, height, stride)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Advance makes frame the current frame and re-localizes every handle in it.
func (t *Tracker) Advance(frame []byte, timestamp int64) {
	mat, err := t.toMat(frame)
	if err != nil {
		// An unreadable frame loses every track.
		for h := range t.handles {
			h.correlation = 0
		}
		return
	}
	if t.hasFrame {
		t.frame.Close()
	}
	t.frame = mat
	t.hasFrame = true
	t.timestamp = timestamp
	for h := range t.handles {
		h.update(t.frame)
	}
}

// BeginTracking cuts box out of frame and looks for it in the current frame.
func (t *Tracker) BeginTracking(box image.Rectangle, frame []byte) multibox.CorrelationHandle {
	h := &Handle{tracker: t, box: box.Intersect(t.bounds())}
	t.handles[h] = struct{}{}
	if h.box.Empty() {
		return h
	}
	src, err := t.toMat(frame)
	if err != nil {
		return h
	}
	defer src.Close()
	region := src.Region(h.box)
	h.template = region.Clone()
	region.Close()
	h.hasTemplate = true

	if !t.hasFrame {
		// Nothing newer than the source frame, the box matches itself.
		h.correlation = 1
		return h
	}
	h.update(t.frame)
	return h
}

// Close stops every handle and releases the current frame.
func (t *Tracker) Close() {
	for h := range t.handles {
		h.Stop()
	}
	if t.hasFrame {
		t.frame.Close()
		t.hasFrame = false
	}
}

func (t *Tracker) bounds() image.Rectangle {
	return image.Rect(0, 0, t.width, t.height)
}

// toMat copies a strided luminance buffer into a new single channel Mat.
func (t *Tracker) toMat(frame []byte) (gocv.Mat, error) {
	need := t.stride*(t.height-1) + t.width
	if len(frame) < need {
		return gocv.Mat{}, errors.Errorf("frame has %d bytes, need %d for %dx%d stride %d",
			len(frame), need, t.width, t.height, t.stride)
	}
	packed := make([]byte, t.width*t.height)
	for y := 0; y < t.height; y++ {
		copy(packed[y*t.width:(y+1)*t.width], frame[y*t.stride:y*t.stride+t.width])
	}
	mat, err := gocv.NewMatFromBytes(t.height, t.width, gocv.MatTypeCV8U, packed)
	if err != nil {
		return gocv.Mat{}, errors.Wrap(err, "can't build frame matrix")
	}
	defer mat.Close()
	return mat.Clone(), nil
}

// Handle is one box followed by a Tracker.
type Handle struct {
	tracker     *Tracker
	template    gocv.Mat
	hasTemplate bool
	box         image.Rectangle
	correlation float64
	stopped     bool
}

// CurrentBox returns the last matched position.
func (h *Handle) CurrentBox() image.Rectangle {
	return h.box
}

// CurrentCorrelation returns the normalized cross-correlation of the last match, in [-1, 1].
func (h *Handle) CurrentCorrelation() float64 {
	return h.correlation
}

// Stop releases the handle. Calling it again is a no-op.
func (h *Handle) Stop() {
	if h.stopped {
		return
	}
	h.stopped = true
	delete(h.tracker.handles, h)
	if h.hasTemplate {
		h.template.Close()
		h.hasTemplate = false
	}
}

func (h *Handle) update(frame gocv.Mat) {
	if !h.hasTemplate {
		h.correlation = 0
		return
	}
	tw, th := h.template.Cols(), h.template.Rows()
	margin := int(math.Max(float64(max(tw, th))*searchMargin, minSearchPx))
	search := h.box.Inset(-margin).Intersect(h.tracker.bounds())
	if search.Dx() < tw || search.Dy() < th {
		h.correlation = 0
		return
	}

	region := frame.Region(search)
	defer region.Close()
	result := gocv.NewMat()
	defer result.Close()
	mask := gocv.NewMat()
	defer mask.Close()
	gocv.MatchTemplate(region, h.template, &result, gocv.TmCcoeffNormed, mask)
	_, maxVal, _, maxLoc := gocv.MinMaxLoc(result)

	corr := float64(maxVal)
	if math.IsNaN(corr) || math.IsInf(corr, 0) {
		corr = 0
	}
	h.correlation = corr
	h.box = image.Rect(0, 0, tw, th).Add(search.Min.Add(maxLoc))
}
