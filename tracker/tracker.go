// Package tracker implements the multibox tracker as a Viam vision service
package tracker

import (
	"context"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/rdk/components/camera"
	"go.viam.com/rdk/gostream"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/resource"
	"go.viam.com/rdk/services/vision"
	vis "go.viam.com/rdk/vision"
	"go.viam.com/rdk/vision/classification"
	objdet "go.viam.com/rdk/vision/objectdetection"
	"go.viam.com/rdk/vision/viscapture"
	viamutils "go.viam.com/utils"

	"github.com/viam-modules/multibox-tracking/correlation"
	"github.com/viam-modules/multibox-tracking/metrics"
	"github.com/viam-modules/multibox-tracking/multibox"
)

// ModelName is the name of the model
const (
	ModelName              = "multibox-tracker"
	NewObjectDetectedLabel = "new-object-detected"
)

var (
	// Here is where we define your new model's colon-delimited-triplet (viam:vision:multibox-tracker)
	Model                  = resource.NewModel("viam", "vision", ModelName)
	errUnimplemented       = errors.New("unimplemented")
	DefaultMinConfidence   = 0.1
	DefaultMaxFrequency    = 10.0
	DefaultTriggerCoolDown = 5.0
)

func init() {
	resource.RegisterService(vision.API, Model, resource.Registration[vision.Service, *Config]{
		Constructor: newTracker,
	})
}

// Config contains names for necessary resources (camera and vision service)
type Config struct {
	CameraName         string             `json:"camera_name"`
	DetectorName       string             `json:"detector_name"`
	Preset             string             `json:"preset,omitempty"`
	ChosenLabels       map[string]float64 `json:"chosen_labels,omitempty"`
	MinConfidence      *float64           `json:"min_confidence,omitempty"`
	MaxFrequency       float64            `json:"max_frequency_hz"`
	PoolSize           int                `json:"pool_size,omitempty"`
	DetectorInputSize  int                `json:"detector_input_size,omitempty"`
	SensorOrientation  int                `json:"sensor_orientation,omitempty"`
	TriggerCoolDown    *float64           `json:"trigger_cool_down_s,omitempty"`
	MetricsAddress     string             `json:"metrics_address,omitempty"`
	DisableCorrelation bool               `json:"disable_correlation,omitempty"`
}

// Validate validates the config and returns implicit dependencies,
// this Validate checks if the camera and detector(vision svc) exist for the module's vision model.
func (cfg *Config) Validate(path string) ([]string, error) {
	// this makes them required for the model to successfully build
	if cfg.CameraName == "" {
		return nil, fmt.Errorf(`expected "camera_name" attribute for multibox tracker %q`, path)
	}
	if cfg.DetectorName == "" {
		return nil, fmt.Errorf(`expected "detector_name" attribute for multibox tracker %q`, path)
	}
	if cfg.MaxFrequency < 0 {
		// if 0, will be set to default later
		return nil, errors.New("frequency(Hz) must be a positive number")
	}
	if cfg.MinConfidence != nil && (*cfg.MinConfidence < 0 || *cfg.MinConfidence > 1) {
		return nil, errors.New("minimum thresholding confidence must be between 0.0 and 1.0")
	}
	if cfg.TriggerCoolDown != nil && *cfg.TriggerCoolDown < 0 {
		return nil, errors.New("trigger_cool_down_s is a duration given in seconds and should be above 0.")
	}
	if cfg.PoolSize < 0 || cfg.PoolSize > multibox.PaletteSize {
		return nil, errors.Errorf("pool_size must be between 1 and %d", multibox.PaletteSize)
	}
	if cfg.DetectorInputSize < 0 {
		return nil, errors.New("detector_input_size cannot be negative")
	}
	switch cfg.SensorOrientation {
	case 0, 90, 180, 270:
	default:
		return nil, errors.Errorf("sensor_orientation must be one of 0, 90, 180, 270, got %d", cfg.SensorOrientation)
	}
	if _, err := cfg.trackerConfig(); err != nil {
		return nil, err
	}

	// Return the resource names so that newTracker can access them as dependencies.
	return []string{cfg.CameraName, cfg.DetectorName}, nil
}

// trackerConfig resolves the preset and pool size into the core tracker configuration.
func (cfg *Config) trackerConfig() (*multibox.Config, error) {
	mbCfg, err := multibox.NewConfig(cfg.Preset)
	if err != nil {
		return nil, err
	}
	if cfg.PoolSize > 0 {
		return mbCfg.WithPoolSize(cfg.PoolSize)
	}
	return mbCfg, nil
}

type benchmarkStats struct {
	mutex sync.Mutex
	runs  []time.Duration
}

func (b *benchmarkStats) add(d time.Duration) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.runs = append(b.runs, d)
}

type myTracker struct {
	resource.Named
	resource.AlwaysRebuild
	logger        logging.Logger
	cancelFunc    context.CancelFunc
	cancelContext context.Context

	triggerMutex      sync.Mutex
	triggerCancelFunc context.CancelFunc
	closed            bool

	activeBackgroundWorkers sync.WaitGroup
	currImg                 atomic.Pointer[image.Image]

	allFreshObjects allObjects

	newInstance atomic.Bool
	coolDown    float64
	properties  vision.Properties

	cam       camera.Camera
	camName   string
	frequency float64
	timeStats benchmarkStats

	boxes         *multibox.MultiBoxTracker
	pipeline      *multibox.Pipeline
	metrics       *metrics.Metrics
	metricsServer *metrics.Server
}

func newTracker(ctx context.Context, deps resource.Dependencies, conf resource.Config, logger logging.Logger) (vision.Service, error) {
	// This takes the generic resource.Config passed down from the parent and converts it to the
	// model-specific (aka "native") Config structure defined, above making it easier to directly access attributes.
	trackerConfig, err := resource.NativeConfig[*Config](conf)
	if err != nil {
		return nil, errors.Errorf("Could not assert proper config for %s", ModelName)
	}
	cam, err := camera.FromDependencies(deps, trackerConfig.CameraName)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to get camera %v for multibox tracker", trackerConfig.CameraName)
	}
	detector, err := vision.FromDependencies(deps, trackerConfig.DetectorName)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to get detector %v for multibox tracker", trackerConfig.DetectorName)
	}

	t, err := newMultiboxTracker(conf.ResourceName(), trackerConfig, detector, logger)
	if err != nil {
		return nil, err
	}
	t.cam = cam

	stream, err := t.cam.Stream(t.cancelContext, nil)
	if err != nil {
		return nil, multierr.Combine(err, t.Close(ctx))
	}

	t.activeBackgroundWorkers.Add(1)
	viamutils.ManagedGo(func() {
		t.run(stream, t.cancelContext)
	}, func() {
		t.cancelFunc()
		stream.Close(t.cancelContext)
		t.activeBackgroundWorkers.Done()
	})

	return t, nil
}

// newMultiboxTracker builds everything but the camera loop.
func newMultiboxTracker(name resource.Name, conf *Config, detector multibox.Recognizer, logger logging.Logger) (*myTracker, error) {
	mbCfg, err := conf.trackerConfig()
	if err != nil {
		return nil, err
	}

	t := &myTracker{
		Named:     name.AsNamed(),
		logger:    logger,
		camName:   conf.CameraName,
		frequency: conf.MaxFrequency,
		coolDown:  DefaultTriggerCoolDown,
		metrics:   metrics.New(),
		properties: vision.Properties{
			ClassificationSupported: true,
			DetectionSupported:      true,
			ObjectPCDsSupported:     false,
		},
	}
	// Default value for frequency = 10Hz
	if t.frequency == 0 {
		t.frequency = DefaultMaxFrequency
	}
	if conf.TriggerCoolDown != nil {
		t.coolDown = *conf.TriggerCoolDown
	}
	minConfidence := DefaultMinConfidence
	if conf.MinConfidence != nil {
		minConfidence = *conf.MinConfidence
	}

	var factory multibox.TrackerFactory
	if !conf.DisableCorrelation {
		factory = correlation.Factory
	}
	t.boxes = multibox.New(mbCfg, factory, t.metrics, logger)
	t.pipeline = multibox.NewPipeline(t.boxes, detector, multibox.PipelineOptions{
		Postprocess: FilterDetections(conf.ChosenLabels, minConfidence),
		InputSize:   conf.DetectorInputSize,
		Orientation: conf.SensorOrientation,
		OnResult:    t.onResult,
	}, logger)

	t.cancelContext, t.cancelFunc = context.WithCancel(context.Background())

	if conf.MetricsAddress != "" {
		t.metricsServer = t.metrics.Serve(conf.MetricsAddress, func(err error) {
			t.logger.Errorf("metrics server stopped: %v", err)
		})
	}
	t.logger.Infof("multibox tracker using preset %q with %d identities", mbCfg.Preset, mbCfg.PoolSize)
	return t, nil
}

// run is a (cancelable) infinite loop that feeds camera frames to the tracking pipeline.
// Every frame advances the tracks; a frame is recognized only when the detector is idle.
func (t *myTracker) run(stream gostream.VideoStream, cancelableCtx context.Context) {
	for {
		select {
		case <-cancelableCtx.Done():
			return
		default:
			start := time.Now()
			img, _, err := stream.Next(cancelableCtx)
			if err != nil {
				t.logger.Errorf("can't get image. got err: %s", err)
				continue
			}
			if img == nil {
				t.logger.Errorf("got nil image")
				continue
			}
			t.processFrame(cancelableCtx, img)

			took := time.Since(start)
			t.timeStats.add(took)
			waitFor := time.Duration((1/t.frequency)*float64(time.Second)) - took
			if waitFor > time.Microsecond {
				select {
				case <-cancelableCtx.Done():
					return
				case <-time.After(waitFor):
				}
			}
		}
	}
}

func (t *myTracker) processFrame(ctx context.Context, img image.Image) {
	t.pipeline.ProcessFrame(ctx, img)
	t.currImg.Store(&img)
}

// onResult runs on the recognition worker after each applied batch.
func (t *myTracker) onResult(res multibox.ReconcileResult) {
	if len(res.Created) == 0 {
		return
	}
	objs := make([]trackedObject, 0, len(res.Created))
	for _, s := range res.Created {
		objs = append(objs, newTrackedObject(s))
	}
	t.allFreshObjects.append(objs...)
	// replacements keep an identity, only brand new objects trigger
	if len(res.Created) > res.Replaced {
		t.trigger()
	}
}

func (t *myTracker) trigger() {
	t.triggerMutex.Lock()
	defer t.triggerMutex.Unlock()
	if t.closed {
		return
	}
	if t.triggerCancelFunc != nil {
		t.triggerCancelFunc()
	}
	triggerContext, triggerCancelFunc := context.WithCancel(t.cancelContext)
	t.triggerCancelFunc = triggerCancelFunc

	t.newInstance.Store(true)
	t.activeBackgroundWorkers.Add(1)

	viamutils.ManagedGo(
		func() {
			coolDownTimer := time.After(time.Duration(t.coolDown * float64(time.Second)))
			select {
			case <-coolDownTimer:
				t.newInstance.Store(false)
				return
			case <-triggerContext.Done():
				return
			}
		},
		func() {
			t.activeBackgroundWorkers.Done()
		})
}

func (t *myTracker) DetectionsFromCamera(
	ctx context.Context,
	cameraName string,
	extra map[string]interface{},
) ([]objdet.Detection, error) {
	if cameraName != t.camName {
		return nil, errors.Errorf("Camera name given to method, %v is not the same as configured camera %v", cameraName, t.camName)
	}
	return t.Detections(ctx, nil, extra)
}

// Detections returns the tracked objects visible under their class display threshold,
// at their current position. The image argument is ignored.
func (t *myTracker) Detections(ctx context.Context, img image.Image, extra map[string]interface{}) ([]objdet.Detection, error) {
	select {
	case <-t.cancelContext.Done():
		return nil, t.cancelContext.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
		return t.boxes.VisibleDetections(), nil
	}
}

func (t *myTracker) ClassificationsFromCamera(
	ctx context.Context,
	cameraName string,
	n int,
	extra map[string]interface{},
) (classification.Classifications, error) {
	if cameraName != t.camName {
		return nil, errors.Errorf("Camera name given to method, %v is not the same as configured camera %v", cameraName, t.camName)
	}
	return t.Classifications(ctx, nil, n, extra)
}

func (t *myTracker) Classifications(ctx context.Context, img image.Image,
	n int, extra map[string]interface{},
) (classification.Classifications, error) {
	return t.classifications(), nil
}

func (t *myTracker) classifications() classification.Classifications {
	if t.newInstance.Load() {
		return classification.Classifications{classification.NewClassification(1, NewObjectDetectedLabel)}
	}
	return classification.Classifications{}
}

func (t *myTracker) GetProperties(ctx context.Context, extra map[string]interface{}) (*vision.Properties, error) {
	return &t.properties, nil
}

func (t *myTracker) GetObjectPointClouds(
	ctx context.Context,
	cameraName string,
	extra map[string]interface{},
) ([]*vis.Object, error) {
	return nil, errUnimplemented
}

func (t *myTracker) CaptureAllFromCamera(
	ctx context.Context,
	cameraName string,
	opt viscapture.CaptureOptions,
	extra map[string]interface{},
) (viscapture.VisCapture, error) {
	if cameraName != t.camName {
		return viscapture.VisCapture{}, errors.Errorf("Camera name given to method, %v is not the same as configured camera %v", cameraName, t.camName)
	}
	var capt viscapture.VisCapture
	select {
	case <-t.cancelContext.Done():
		return viscapture.VisCapture{}, t.cancelContext.Err()
	case <-ctx.Done():
		return viscapture.VisCapture{}, ctx.Err()
	default:
		if opt.ReturnImage {
			if img := t.currImg.Load(); img != nil {
				capt.Image = *img
			}
		}
		if opt.ReturnDetections {
			capt.Detections = t.boxes.VisibleDetections()
		}
		if opt.ReturnClassifications {
			capt.Classifications = t.classifications()
		}
	}
	return capt, nil
}

func (t *myTracker) Close(ctx context.Context) error {
	t.cancelFunc()
	t.triggerMutex.Lock()
	t.closed = true
	t.triggerMutex.Unlock()

	// Results applied from here on no longer start cool down workers.
	t.pipeline.Wait()
	t.activeBackgroundWorkers.Wait()
	// The camera loop can submit one last frame before it exits.
	t.pipeline.Wait()
	t.boxes.Close()
	return t.metricsServer.Shutdown(ctx)
}

type benchmark struct {
	Slowest      float64
	Fastest      float64
	Average      float64
	NumberOfRuns int
	Recognition  float64
}

type debugDetection struct {
	Label string          `json:"label"`
	Score float64         `json:"score"`
	Box   image.Rectangle `json:"box"`
}

// DoCommand supports:
//   - "benchmark": slowest, fastest and average time of the capture loop, and the last recognition latency
//   - "logs": every object that started being tracked
//   - "tracks": the current track table
//   - "debug": detections of the last batch below their display threshold
func (t *myTracker) DoCommand(ctx context.Context, cmd map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	if cmd["benchmark"] != nil {
		out["benchmark"] = t.benchmark()
	}
	if cmd["logs"] != nil {
		out["logs"] = t.allFreshObjects.list()
	}
	if cmd["tracks"] != nil {
		out["tracks"] = t.boxes.Snapshot()
		out["shown"] = t.boxes.NumShown()
		out["correlated"] = t.boxes.Correlated()
	}
	if cmd["debug"] != nil {
		dets := t.boxes.DebugDetections()
		debug := make([]debugDetection, 0, len(dets))
		for _, d := range dets {
			debug = append(debug, debugDetection{Label: d.Label(), Score: d.Score(), Box: *d.BoundingBox()})
		}
		out["debug"] = debug
	}
	return out, nil
}

func (t *myTracker) benchmark() benchmark {
	t.timeStats.mutex.Lock()
	defer t.timeStats.mutex.Unlock()
	b := benchmark{
		NumberOfRuns: len(t.timeStats.runs),
		Recognition:  float64(t.pipeline.LastRecognitionLatency()),
	}
	if b.NumberOfRuns == 0 {
		return b
	}
	tmin, tmax := 10*time.Second, 10*time.Nanosecond
	var sum time.Duration
	for _, tt := range t.timeStats.runs {
		if tt < tmin {
			tmin = tt
		}
		if tt > tmax {
			tmax = tt
		}
		sum += tt
	}
	b.Slowest = float64(tmax)
	b.Fastest = float64(tmin)
	b.Average = float64(sum / time.Duration(b.NumberOfRuns))
	return b
}
