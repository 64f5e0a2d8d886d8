package multibox

import (
	"context"
	"image"
	"sync"

	"github.com/pkg/errors"
	objdet "go.viam.com/rdk/vision/objectdetection"
)

type fakeHandle struct {
	box         image.Rectangle
	correlation float64
	stopped     bool
}

func (h *fakeHandle) CurrentBox() image.Rectangle { return h.box }
func (h *fakeHandle) CurrentCorrelation() float64 { return h.correlation }
func (h *fakeHandle) Stop()                       { h.stopped = true }

// fakeTracker hands out handles that stay where they were started. Correlations are
// looked up by starting box, defaulting to 0.9.
type fakeTracker struct {
	correlations map[image.Rectangle]float64
	handles      []*fakeHandle
	advanced     []int64
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{correlations: make(map[image.Rectangle]float64)}
}

func (ft *fakeTracker) Advance(frame []byte, timestamp int64) {
	ft.advanced = append(ft.advanced, timestamp)
}

func (ft *fakeTracker) BeginTracking(box image.Rectangle, frame []byte) CorrelationHandle {
	corr, ok := ft.correlations[box]
	if !ok {
		corr = 0.9
	}
	h := &fakeHandle{box: box, correlation: corr}
	ft.handles = append(ft.handles, h)
	return h
}

func (ft *fakeTracker) live() []*fakeHandle {
	var out []*fakeHandle
	for _, h := range ft.handles {
		if !h.stopped {
			out = append(out, h)
		}
	}
	return out
}

func (ft *fakeTracker) factory() TrackerFactory {
	return func(width, height, stride int) (CorrelationTracker, error) {
		return ft, nil
	}
}

func failingFactory(width, height, stride int) (CorrelationTracker, error) {
	return nil, errors.New("no native tracker")
}

// fakeRecognizer returns res[i] on its i-th call, blocking on gate when it is set.
type fakeRecognizer struct {
	mu    sync.Mutex
	calls int
	res   [][]objdet.Detection
	err   error
	gate  chan struct{}
}

func (fr *fakeRecognizer) Detections(ctx context.Context, img image.Image, extra map[string]interface{}) ([]objdet.Detection, error) {
	if fr.gate != nil {
		<-fr.gate
	}
	fr.mu.Lock()
	defer fr.mu.Unlock()
	fr.calls++
	if fr.err != nil {
		return nil, fr.err
	}
	if fr.calls > len(fr.res) {
		return nil, nil
	}
	return fr.res[fr.calls-1], nil
}

func det(label string, score float64, r image.Rectangle) objdet.Detection {
	return objdet.NewDetection(r, score, label)
}

// box returns a 20x20 box at column i, far enough apart not to overlap.
func box(i int) image.Rectangle {
	return image.Rect(i*30, 0, i*30+20, 20)
}
