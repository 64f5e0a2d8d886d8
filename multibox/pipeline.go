package multibox

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"go.viam.com/rdk/logging"
	objdet "go.viam.com/rdk/vision/objectdetection"
	viamutils "go.viam.com/utils"
	"golang.org/x/image/draw"

	"github.com/viam-modules/multibox-tracking/metrics"
)

// Recognizer produces detections for an image. A vision service satisfies it.
type Recognizer interface {
	Detections(ctx context.Context, img image.Image, extra map[string]interface{}) ([]objdet.Detection, error)
}

// PipelineOptions configure a Pipeline.
type PipelineOptions struct {
	// Postprocess filters raw recognizer output before reconciliation.
	Postprocess objdet.Postprocessor
	// InputSize, when positive, is the side of the square image handed to the recognizer.
	// Detections are mapped back to frame coordinates.
	InputSize int
	// Orientation is the sensor orientation in degrees, recorded for consumers.
	Orientation int
	// OnResult is called from the recognition worker after every applied batch.
	OnResult func(ReconcileResult)
}

// Pipeline drives a MultiBoxTracker from captured frames: every frame advances the
// correlation tracker, and a frame is submitted for recognition only when no other
// recognition is in flight.
type Pipeline struct {
	tracker    *MultiBoxTracker
	recognizer Recognizer
	opts       PipelineOptions
	logger     logging.Logger
	metrics    *metrics.Metrics

	timestamp   atomic.Int64
	computing   atomic.Bool
	lastLatency atomic.Int64
	workers     sync.WaitGroup
}

// NewPipeline returns a pipeline feeding tracker with recognizer results.
func NewPipeline(tracker *MultiBoxTracker, recognizer Recognizer, opts PipelineOptions, logger logging.Logger) *Pipeline {
	return &Pipeline{
		tracker:    tracker,
		recognizer: recognizer,
		opts:       opts,
		logger:     logger,
		metrics:    tracker.metrics,
	}
}

// ProcessFrame feeds one captured frame. It returns the timestamp assigned to the frame and
// whether the frame was submitted for recognition.
func (p *Pipeline) ProcessFrame(ctx context.Context, img image.Image) (int64, bool) {
	timestamp := p.timestamp.Add(1)
	luminance := Luminance(img)
	b := luminance.Bounds()
	p.tracker.OnFrame(b.Dx(), b.Dy(), luminance.Stride, p.opts.Orientation, luminance.Pix, timestamp)

	if !p.computing.CompareAndSwap(false, true) {
		p.metrics.RecognitionSkipped()
		return timestamp, false
	}
	p.logger.Debugf("preparing frame %d for recognition", timestamp)

	p.workers.Add(1)
	viamutils.PanicCapturingGo(func() {
		defer p.workers.Done()
		defer p.computing.Store(false)

		start := time.Now()
		detections, err := p.recognize(ctx, img)
		took := time.Since(start)
		p.lastLatency.Store(int64(took))
		p.metrics.Recognition(took, err)
		if err != nil {
			p.logger.Errorf("recognition of frame %d failed, treating as empty: %v", timestamp, err)
			detections = nil
		}
		if p.opts.Postprocess != nil {
			detections = p.opts.Postprocess(detections)
		}
		detections = TranslateDetections(detections, img.Bounds().Min.Mul(-1))

		// Applied even if frames have advanced since; the timestamp records the lag.
		res := p.tracker.TrackResults(detections, luminance.Pix, timestamp)
		if lag := p.timestamp.Load() - timestamp; lag > 0 {
			p.logger.Debugf("applied detections of frame %d, %d frames late", timestamp, lag)
		}
		if p.opts.OnResult != nil {
			p.opts.OnResult(res)
		}
	})
	return timestamp, true
}

// Busy reports whether a recognition is in flight.
func (p *Pipeline) Busy() bool {
	return p.computing.Load()
}

// LastRecognitionLatency returns how long the last recognition took.
func (p *Pipeline) LastRecognitionLatency() time.Duration {
	return time.Duration(p.lastLatency.Load())
}

// Wait blocks until the in-flight recognition, if any, has been applied.
func (p *Pipeline) Wait() {
	p.workers.Wait()
}

func (p *Pipeline) recognize(ctx context.Context, img image.Image) ([]objdet.Detection, error) {
	size := p.opts.InputSize
	if size <= 0 {
		return p.recognizer.Detections(ctx, img, nil)
	}
	b := img.Bounds()
	scaled := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), img, b, draw.Src, nil)
	detections, err := p.recognizer.Detections(ctx, scaled, nil)
	if err != nil {
		return nil, err
	}
	return MapDetections(detections, size, b), nil
}

// MapDetections maps detections found on a size x size scaled copy of an image back to
// the image's own bounds.
func MapDetections(detections []objdet.Detection, size int, bounds image.Rectangle) []objdet.Detection {
	sx := float64(bounds.Dx()) / float64(size)
	sy := float64(bounds.Dy()) / float64(size)
	out := make([]objdet.Detection, 0, len(detections))
	for _, det := range detections {
		bb := det.BoundingBox()
		if bb == nil {
			continue
		}
		mapped := image.Rect(
			bounds.Min.X+int(float64(bb.Min.X)*sx),
			bounds.Min.Y+int(float64(bb.Min.Y)*sy),
			bounds.Min.X+int(float64(bb.Max.X)*sx),
			bounds.Min.Y+int(float64(bb.Max.Y)*sy),
		)
		out = append(out, objdet.NewDetection(mapped, det.Score(), det.Label()))
	}
	return out
}

// TranslateDetections moves every detection box by offset.
func TranslateDetections(detections []objdet.Detection, offset image.Point) []objdet.Detection {
	if offset == (image.Point{}) {
		return detections
	}
	out := make([]objdet.Detection, 0, len(detections))
	for _, det := range detections {
		bb := det.BoundingBox()
		if bb == nil {
			continue
		}
		out = append(out, objdet.NewDetection(bb.Add(offset), det.Score(), det.Label()))
	}
	return out
}

// Luminance returns a fresh grayscale copy of img with its origin at (0, 0).
func Luminance(img image.Image) *image.Gray {
	b := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(gray, gray.Bounds(), img, b.Min, draw.Src)
	return gray
}
