package multibox

import (
	"image/color"
	"sort"

	"github.com/pkg/errors"
)

// Thresholds are the constants steering reconciliation.
type Thresholds struct {
	// MinSize is the smallest width or height, in frame pixels, a tracked box may have.
	MinSize int
	// MaxSize is the size above which a box that large in both dimensions is dropped.
	MaxSize int
	// MarginalCorrelation is the correlation a fresh candidate needs to be tracked at all,
	// and the level above which an incumbent keeps its place against a weaker detection.
	MarginalCorrelation float64
	// MinCorrelation is the floor below which a live track is considered lost.
	MinCorrelation float64
	// MaxOverlap is the IoU above which two boxes claim the same object.
	MaxOverlap float64
}

// DefaultThresholds returns the thresholds the tracker runs with unless told otherwise.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinSize:             10,
		MaxSize:             400,
		MarginalCorrelation: 0.75,
		MinCorrelation:      0.1,
		MaxOverlap:          0.8,
	}
}

// ClassConfig describes how one recognizer class is presented.
type ClassConfig struct {
	Name             string
	Color            color.RGBA
	DisplayThreshold float64
	Shown            bool
}

// Config is the immutable per-deployment configuration of a tracker.
type Config struct {
	Preset     string
	Classes    []ClassConfig
	Thresholds Thresholds
	// PoolSize bounds the number of concurrently tracked objects.
	PoolSize int
	// DetectionThreshold is the lowest confidence kept for the debug detection list.
	DetectionThreshold float64

	byName map[string]ClassConfig
}

var (
	red     = color.RGBA{R: 0xff, A: 0xff}
	magenta = color.RGBA{R: 0xff, B: 0xff, A: 0xff}
	green   = color.RGBA{G: 0xff, A: 0xff}
	blue    = color.RGBA{B: 0xff, A: 0xff}
	yellow  = color.RGBA{R: 0xff, G: 0xff, A: 0xff}
	white   = color.RGBA{R: 0xff, G: 0xff, B: 0xff, A: 0xff}
	black   = color.RGBA{A: 0xff}
)

// DefaultPreset is used when no preset is configured.
const DefaultPreset = "cassava"

var presets = map[string][]ClassConfig{
	"cassava": {
		{Name: "CBSD", Color: red, DisplayThreshold: 0.5, Shown: true},
		{Name: "CMD", Color: magenta, DisplayThreshold: 0.5, Shown: true},
		{Name: "CGM", Color: green, DisplayThreshold: 0.5, Shown: true},
		{Name: "CRM", Color: blue, DisplayThreshold: 0.5},
		{Name: "CBLS", Color: yellow, DisplayThreshold: 0.5},
		{Name: "Healthy", Color: white, DisplayThreshold: 0.5, Shown: true},
		{Name: "CND", Color: black, DisplayThreshold: 0.5},
	},
	"faw": {
		{Name: "FAWLeaf", Color: red, DisplayThreshold: 0.05, Shown: true},
		{Name: "FAWFrass", Color: magenta, DisplayThreshold: 0.05, Shown: true},
	},
	"wheat": {
		{Name: "WheatStemRustStem", Color: red, DisplayThreshold: 0.3, Shown: true},
		{Name: "WheatStemRustLeaf", Color: magenta, DisplayThreshold: 0.3, Shown: true},
		{Name: "WheatHL", Color: green, DisplayThreshold: 0.3, Shown: true},
		{Name: "WheatHS", Color: blue, DisplayThreshold: 0.3},
		{Name: "WheatStripeRustLeaf", Color: white, DisplayThreshold: 0.3},
	},
}

// Presets returns the names of the built in class presets.
func Presets() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewConfig builds a Config from a named preset with default thresholds and a full pool.
func NewConfig(preset string) (*Config, error) {
	if preset == "" {
		preset = DefaultPreset
	}
	classes, ok := presets[preset]
	if !ok {
		return nil, errors.Errorf("unknown preset %q, expected one of %v", preset, Presets())
	}
	return NewCustomConfig(preset, classes, DefaultThresholds(), PaletteSize, 0.1)
}

// NewCustomConfig builds a Config from explicit class definitions.
func NewCustomConfig(name string, classes []ClassConfig, th Thresholds, poolSize int, detectionThreshold float64) (*Config, error) {
	if poolSize < 1 || poolSize > PaletteSize {
		return nil, errors.Errorf("pool size must be between 1 and %d, got %d", PaletteSize, poolSize)
	}
	if th.MinSize < 0 || th.MaxSize < th.MinSize {
		return nil, errors.Errorf("invalid box size limits [%d, %d]", th.MinSize, th.MaxSize)
	}
	cfg := &Config{
		Preset:             name,
		Classes:            append([]ClassConfig(nil), classes...),
		Thresholds:         th,
		PoolSize:           poolSize,
		DetectionThreshold: detectionThreshold,
		byName:             make(map[string]ClassConfig, len(classes)),
	}
	for _, c := range cfg.Classes {
		if _, dup := cfg.byName[c.Name]; dup {
			return nil, errors.Errorf("class %q defined twice", c.Name)
		}
		cfg.byName[c.Name] = c
	}
	return cfg, nil
}

// WithPoolSize returns a copy of cfg with another identity pool size.
func (cfg *Config) WithPoolSize(n int) (*Config, error) {
	return NewCustomConfig(cfg.Preset, cfg.Classes, cfg.Thresholds, n, cfg.DetectionThreshold)
}

// Class looks up the configuration of a label.
func (cfg *Config) Class(label string) (ClassConfig, bool) {
	c, ok := cfg.byName[label]
	return c, ok
}

// IsShown reports whether tracks of this label count as shown.
func (cfg *Config) IsShown(label string) bool {
	c, ok := cfg.byName[label]
	return ok && c.Shown
}

// IsVisible reports whether a track of this label and confidence should be displayed.
func (cfg *Config) IsVisible(label string, confidence float64) bool {
	c, ok := cfg.byName[label]
	return ok && c.Shown && confidence >= c.DisplayThreshold
}

// displayThreshold returns the class display threshold, 1 for unknown labels.
func (cfg *Config) displayThreshold(label string) float64 {
	if c, ok := cfg.byName[label]; ok {
		return c.DisplayThreshold
	}
	return 1
}
