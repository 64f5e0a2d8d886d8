package multibox

import (
	"image"
	"image/color"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// TrackedObject is a detection accepted into the track table.
type TrackedObject struct {
	ID         uuid.UUID
	Label      string
	Confidence float64
	Color      color.RGBA
	// Timestamp is the frame the accepted detection was computed from.
	Timestamp int64

	handle   CorrelationHandle
	location image.Rectangle
}

// Box returns the current position: the correlation tracker's when one follows the
// object, the last known detection box otherwise.
func (o *TrackedObject) Box() image.Rectangle {
	if o.handle != nil {
		return o.handle.CurrentBox()
	}
	return o.location
}

// Correlation returns the live correlation, or 1 when no correlation tracker follows the object.
func (o *TrackedObject) Correlation() float64 {
	if o.handle != nil {
		return o.handle.CurrentCorrelation()
	}
	return 1
}

func (o *TrackedObject) stop() {
	if o.handle != nil {
		o.handle.Stop()
	}
}

// trackTable is the ordered set of live tracked objects.
type trackTable struct {
	objects []*TrackedObject
}

func (tt *trackTable) len() int {
	return len(tt.objects)
}

func (tt *trackTable) add(o *TrackedObject) {
	tt.objects = append(tt.objects, o)
}

// remove drops o from the table, panicking if it is not there.
func (tt *trackTable) remove(o *TrackedObject) {
	for i, cur := range tt.objects {
		if cur == o {
			tt.objects = append(tt.objects[:i], tt.objects[i+1:]...)
			return
		}
	}
	panic(errors.Errorf("tracked object %s (%s) is not in the track table", o.ID, o.Label))
}

// snapshot returns a copy of the current objects, safe to iterate while removing.
func (tt *trackTable) snapshot() []*TrackedObject {
	return append([]*TrackedObject(nil), tt.objects...)
}

func (tt *trackTable) clear() {
	tt.objects = nil
}

// TrackSnapshot is the read-only view of a tracked object handed to consumers.
type TrackSnapshot struct {
	ID          string          `json:"id"`
	Label       string          `json:"label"`
	Confidence  float64         `json:"confidence"`
	Box         image.Rectangle `json:"box"`
	Color       color.RGBA      `json:"color"`
	ClassColor  color.RGBA      `json:"class_color"`
	Correlation float64         `json:"correlation"`
	Visible     bool            `json:"visible"`
	Timestamp   int64           `json:"timestamp"`
}
