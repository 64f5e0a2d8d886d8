package tracker

import (
	"context"
	"image"
	"testing"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/vision"
	objdet "go.viam.com/rdk/vision/objectdetection"
	"go.viam.com/rdk/vision/viscapture"
	"go.viam.com/test"
)

const (
	LabelDet0 string = "CMD"
	LabelDet1 string = "CRM"
	testCam   string = "cam"
)

type FakeDetector struct {
	it      int
	res     [][]objdet.Detection
	started chan struct{}
	gate    chan struct{}
}

func (fd *FakeDetector) Detections(ctx context.Context, img image.Image, extra map[string]interface{}) ([]objdet.Detection, error) {
	if fd.started != nil {
		fd.started <- struct{}{}
	}
	if fd.gate != nil {
		<-fd.gate
	}
	fd.it += 1
	if fd.it > len(fd.res) {
		return nil, nil
	}
	return fd.res[fd.it-1], nil
}

func newTestService(t *testing.T, fd *FakeDetector) *myTracker {
	t.Helper()
	coolDown := 60.0
	conf := &Config{
		CameraName:         testCam,
		DetectorName:       "detector",
		TriggerCoolDown:    &coolDown,
		DisableCorrelation: true,
	}
	_, err := conf.Validate("test")
	test.That(t, err, test.ShouldBeNil)
	tr, err := newMultiboxTracker(resource.NewName(vision.API, "tracker"), conf, fd, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return tr
}

func TestValidate(t *testing.T) {
	conf := &Config{CameraName: testCam, DetectorName: "detector"}
	deps, err := conf.Validate("path")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, deps, test.ShouldResemble, []string{testCam, "detector"})

	bad := []*Config{
		{DetectorName: "detector"},
		{CameraName: testCam},
		{CameraName: testCam, DetectorName: "detector", Preset: "maize"},
		{CameraName: testCam, DetectorName: "detector", PoolSize: 16},
		{CameraName: testCam, DetectorName: "detector", MaxFrequency: -1},
		{CameraName: testCam, DetectorName: "detector", SensorOrientation: 45},
		{CameraName: testCam, DetectorName: "detector", DetectorInputSize: -300},
	}
	for _, c := range bad {
		_, err := c.Validate("path")
		test.That(t, err, test.ShouldNotBeNil)
	}

	tooConfident := 1.5
	_, err = (&Config{CameraName: testCam, DetectorName: "detector", MinConfidence: &tooConfident}).Validate("path")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestFilterDetections(t *testing.T) {
	dets := []objdet.Detection{
		objdet.NewDetection(image.Rect(0, 0, 20, 20), 0.9, LabelDet0),
		objdet.NewDetection(image.Rect(0, 0, 20, 20), 0.3, LabelDet1),
		objdet.NewDetection(image.Rect(0, 0, 20, 20), 0.05, LabelDet0),
	}
	test.That(t, len(FilterDetections(nil, 0.1)(dets)), test.ShouldEqual, 2)

	filtered := FilterDetections(map[string]float64{"cmd": 0.5}, 0.1)(dets)
	test.That(t, len(filtered), test.ShouldEqual, 1)
	test.That(t, filtered[0].Label(), test.ShouldEqual, LabelDet0)
	test.That(t, filtered[0].Score(), test.ShouldEqual, 0.9)
}

func TestTracker(t *testing.T) {
	fd := &FakeDetector{
		res: [][]objdet.Detection{
			{
				objdet.NewDetection(image.Rect(10, 10, 40, 40), 0.9, LabelDet0),
				objdet.NewDetection(image.Rect(50, 10, 80, 40), 0.9, LabelDet1),
			},
			{},
		},
	}
	fakeTracker := newTestService(t, fd)
	ctx := context.Background()
	img := image.NewRGBA(image.Rect(0, 0, 100, 60))

	test.That(t, len(fakeTracker.classifications()), test.ShouldEqual, 0)

	fakeTracker.processFrame(ctx, img)
	fakeTracker.pipeline.Wait()

	// CRM is tracked but not a shown class
	dets, err := fakeTracker.Detections(ctx, nil, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(dets), test.ShouldEqual, 1)
	test.That(t, dets[0].Label(), test.ShouldEqual, LabelDet0)
	test.That(t, *dets[0].BoundingBox(), test.ShouldResemble, image.Rect(10, 10, 40, 40))

	_, err = fakeTracker.DetectionsFromCamera(ctx, "other", nil)
	test.That(t, err, test.ShouldNotBeNil)

	classes, err := fakeTracker.ClassificationsFromCamera(ctx, testCam, 1, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(classes), test.ShouldEqual, 1)
	test.That(t, classes[0].Label(), test.ShouldEqual, NewObjectDetectedLabel)

	capt, err := fakeTracker.CaptureAllFromCamera(ctx, testCam, viscapture.CaptureOptions{
		ReturnImage:      true,
		ReturnDetections: true,
	}, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, capt.Image, test.ShouldNotBeNil)
	test.That(t, len(capt.Detections), test.ShouldEqual, 1)

	out, err := fakeTracker.DoCommand(ctx, map[string]interface{}{"logs": true, "tracks": true, "benchmark": true})
	test.That(t, err, test.ShouldBeNil)
	logs := out["logs"].([]trackedObject)
	test.That(t, len(logs), test.ShouldEqual, 2)
	test.That(t, logs[0].Label, test.ShouldEqual, LabelDet0)
	test.That(t, logs[0].Color, test.ShouldEqual, "#0000FF")
	test.That(t, logs[0].Frame, test.ShouldEqual, int64(1))
	test.That(t, out["shown"], test.ShouldEqual, 1)
	test.That(t, out["correlated"], test.ShouldEqual, false)
	test.That(t, out["benchmark"].(benchmark).NumberOfRuns, test.ShouldEqual, 0)

	// an empty batch clears every track
	fakeTracker.processFrame(ctx, img)
	fakeTracker.pipeline.Wait()
	dets, err = fakeTracker.Detections(ctx, nil, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(dets), test.ShouldEqual, 0)

	test.That(t, fakeTracker.Close(ctx), test.ShouldBeNil)
	_, err = fakeTracker.Detections(ctx, nil, nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestCloseWaitsForRecognition(t *testing.T) {
	fd := &FakeDetector{
		res: [][]objdet.Detection{
			{objdet.NewDetection(image.Rect(10, 10, 40, 40), 0.9, LabelDet0)},
		},
		started: make(chan struct{}, 1),
		gate:    make(chan struct{}),
	}
	fakeTracker := newTestService(t, fd)
	ctx := context.Background()
	fakeTracker.processFrame(ctx, image.NewRGBA(image.Rect(0, 0, 100, 60)))
	<-fd.started

	closed := make(chan error, 1)
	go func() {
		closed <- fakeTracker.Close(ctx)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned with a recognition in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(fd.gate)
	test.That(t, <-closed, test.ShouldBeNil)
	test.That(t, fakeTracker.pipeline.Busy(), test.ShouldBeFalse)
	// the late batch is logged but fires no new object trigger
	test.That(t, len(fakeTracker.allFreshObjects.list()), test.ShouldEqual, 1)
	test.That(t, fakeTracker.newInstance.Load(), test.ShouldBeFalse)
}

func TestBenchmark(t *testing.T) {
	fakeTracker := newTestService(t, &FakeDetector{})
	defer fakeTracker.Close(context.Background())
	fakeTracker.timeStats.add(10)
	fakeTracker.timeStats.add(30)
	b := fakeTracker.benchmark()
	test.That(t, b.NumberOfRuns, test.ShouldEqual, 2)
	test.That(t, b.Fastest, test.ShouldEqual, 10.0)
	test.That(t, b.Slowest, test.ShouldEqual, 30.0)
	test.That(t, b.Average, test.ShouldEqual, 20.0)
}
