// Package multibox keeps a small, stable set of tracked objects across video frames from
// asynchronous recognizer output and a correlation tracker that re-localizes boxes.
package multibox

import (
	"image"
)

// Area returns the area of r, 0 for empty rectangles.
func Area(r image.Rectangle) int {
	if r.Empty() {
		return 0
	}
	return r.Dx() * r.Dy()
}

// IOU returns the intersection over union of 2 rectangles
func IOU(r1, r2 image.Rectangle) float64 {
	intersection := r1.Intersect(r2)
	if intersection.Empty() {
		return 0
	}
	inter := Area(intersection)
	union := Area(r1) + Area(r2) - inter
	if union <= 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// IsDegenerate reports whether a box is too thin to track, or so large in both
// dimensions that it is most likely the whole scene.
func (th Thresholds) IsDegenerate(r image.Rectangle) bool {
	w, h := r.Dx(), r.Dy()
	if w < th.MinSize || h < th.MinSize {
		return true
	}
	return w > th.MaxSize && h > th.MaxSize
}
