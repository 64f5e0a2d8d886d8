package multibox

import (
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	objdet "go.viam.com/rdk/vision/objectdetection"
	"go.viam.com/test"
)

func testImage() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 100, 80))
	for y := 0; y < 80; y++ {
		for x := 0; x < 100; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 0x40, A: 0xff})
		}
	}
	return img
}

func TestPipelineSkipsWhileBusy(t *testing.T) {
	fr := &fakeRecognizer{
		res:  [][]objdet.Detection{{det("CMD", 0.9, image.Rect(10, 10, 40, 40))}},
		gate: make(chan struct{}),
	}
	mb := newTestTracker(t, 15, nil)
	var results []ReconcileResult
	p := NewPipeline(mb, fr, PipelineOptions{
		OnResult: func(res ReconcileResult) { results = append(results, res) },
	}, logging.NewTestLogger(t))

	ctx := context.Background()
	ts, submitted := p.ProcessFrame(ctx, testImage())
	test.That(t, ts, test.ShouldEqual, int64(1))
	test.That(t, submitted, test.ShouldBeTrue)
	test.That(t, p.Busy(), test.ShouldBeTrue)

	ts, submitted = p.ProcessFrame(ctx, testImage())
	test.That(t, ts, test.ShouldEqual, int64(2))
	test.That(t, submitted, test.ShouldBeFalse)

	close(fr.gate)
	p.Wait()
	test.That(t, p.Busy(), test.ShouldBeFalse)
	test.That(t, fr.calls, test.ShouldEqual, 1)

	snap := mb.Snapshot()
	test.That(t, len(snap), test.ShouldEqual, 1)
	test.That(t, snap[0].Timestamp, test.ShouldEqual, int64(1))
	test.That(t, len(results), test.ShouldEqual, 1)
	test.That(t, results[0].Timestamp, test.ShouldEqual, int64(1))
	test.That(t, len(results[0].Created), test.ShouldEqual, 1)

	w, h, _, ok := mb.FrameGeometry()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, w, test.ShouldEqual, 100)
	test.That(t, h, test.ShouldEqual, 80)

	_, submitted = p.ProcessFrame(ctx, testImage())
	test.That(t, submitted, test.ShouldBeTrue)
	p.Wait()
}

func TestPipelineAdvancesCorrelationEveryFrame(t *testing.T) {
	ft := newFakeTracker()
	fr := &fakeRecognizer{gate: make(chan struct{})}
	mb := newTestTracker(t, 15, ft.factory())
	p := NewPipeline(mb, fr, PipelineOptions{}, logging.NewTestLogger(t))

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		p.ProcessFrame(ctx, testImage())
	}
	test.That(t, ft.advanced, test.ShouldResemble, []int64{1, 2, 3, 4})
	close(fr.gate)
	p.Wait()
}

func TestPipelineRecognizerErrorClearsTable(t *testing.T) {
	mb := newTestTracker(t, 15, nil)
	mb.TrackResults([]objdet.Detection{det("CMD", 0.9, box(0))}, frame, 0)

	fr := &fakeRecognizer{err: errors.New("model crashed")}
	p := NewPipeline(mb, fr, PipelineOptions{}, logging.NewTestLogger(t))
	_, submitted := p.ProcessFrame(context.Background(), testImage())
	test.That(t, submitted, test.ShouldBeTrue)
	p.Wait()
	test.That(t, len(mb.Snapshot()), test.ShouldEqual, 0)
}

func TestPipelinePostprocessAndScaling(t *testing.T) {
	fr := &fakeRecognizer{res: [][]objdet.Detection{{
		det("CMD", 0.9, image.Rect(10, 10, 30, 30)),
		det("CGM", 0.2, image.Rect(30, 10, 45, 25)),
	}}}
	mb := newTestTracker(t, 15, nil)
	p := NewPipeline(mb, fr, PipelineOptions{
		Postprocess: objdet.NewScoreFilter(0.5),
		InputSize:   50,
	}, logging.NewTestLogger(t))
	p.ProcessFrame(context.Background(), testImage())
	p.Wait()

	snap := mb.Snapshot()
	test.That(t, len(snap), test.ShouldEqual, 1)
	test.That(t, snap[0].Label, test.ShouldEqual, "CMD")
	test.That(t, snap[0].Box, test.ShouldResemble, image.Rect(20, 16, 60, 48))
}

func TestPipelineOffsetImageUsesFrameCoordinates(t *testing.T) {
	img := image.NewRGBA(image.Rect(100, 50, 300, 250))
	fr := &fakeRecognizer{res: [][]objdet.Detection{{det("CMD", 0.9, image.Rect(110, 60, 140, 90))}}}
	mb := newTestTracker(t, 15, nil)
	p := NewPipeline(mb, fr, PipelineOptions{}, logging.NewTestLogger(t))
	p.ProcessFrame(context.Background(), img)
	p.Wait()

	w, h, _, ok := mb.FrameGeometry()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, image.Rect(0, 0, w, h), test.ShouldResemble, image.Rect(0, 0, 200, 200))
	snap := mb.Snapshot()
	test.That(t, len(snap), test.ShouldEqual, 1)
	test.That(t, snap[0].Box, test.ShouldResemble, image.Rect(10, 10, 40, 40))
}

func TestTranslateDetections(t *testing.T) {
	dets := []objdet.Detection{det("a", 0.5, image.Rect(10, 10, 20, 20))}
	test.That(t, TranslateDetections(dets, image.Point{}), test.ShouldResemble, dets)
	moved := TranslateDetections(dets, image.Pt(-5, 3))
	test.That(t, *moved[0].BoundingBox(), test.ShouldResemble, image.Rect(5, 13, 15, 23))
	test.That(t, moved[0].Label(), test.ShouldEqual, "a")
}

func TestMapDetections(t *testing.T) {
	mapped := MapDetections([]objdet.Detection{det("a", 0.5, image.Rect(10, 10, 20, 20))}, 50, image.Rect(0, 0, 100, 200))
	test.That(t, len(mapped), test.ShouldEqual, 1)
	test.That(t, *mapped[0].BoundingBox(), test.ShouldResemble, image.Rect(20, 40, 40, 80))
	test.That(t, mapped[0].Score(), test.ShouldEqual, 0.5)
	test.That(t, mapped[0].Label(), test.ShouldEqual, "a")
}

func TestLuminance(t *testing.T) {
	src := image.NewRGBA(image.Rect(5, 5, 9, 7))
	src.Set(5, 5, color.White)
	gray := Luminance(src)
	test.That(t, gray.Bounds(), test.ShouldResemble, image.Rect(0, 0, 4, 2))
	test.That(t, gray.Pix[0], test.ShouldEqual, uint8(0xff))
	test.That(t, gray.Pix[1], test.ShouldEqual, uint8(0))
}
