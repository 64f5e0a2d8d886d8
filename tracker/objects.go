// Package tracker implements the multibox tracker as a Viam vision service.
// This file contains the log kept of every object that started being tracked.
package tracker

import (
	"fmt"
	"image/color"
	"sync"
	"time"

	"github.com/viam-modules/multibox-tracking/multibox"
)

// GetTimestamp will retrieve and format a timestamp to be YYYYMMDD_HHMMSS
func GetTimestamp() string {
	return time.Now().Format("20060102_150405")
}

type trackedObject struct {
	ID         string  `json:"id"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	Color      string  `json:"color"`
	Frame      int64   `json:"frame"`
	Time       string  `json:"time"`
}

func newTrackedObject(s multibox.TrackSnapshot) trackedObject {
	return trackedObject{
		ID:         s.ID,
		Label:      s.Label,
		Confidence: s.Confidence,
		Color:      colorHex(s.Color),
		Frame:      s.Timestamp,
		Time:       GetTimestamp(),
	}
}

func colorHex(c color.RGBA) string {
	return fmt.Sprintf("#%02X%02X%02X", c.R, c.G, c.B)
}

type allObjects struct {
	mutex   sync.RWMutex
	objects []trackedObject
}

func (a *allObjects) append(objs ...trackedObject) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.objects = append(a.objects, objs...)
}

func (a *allObjects) list() []trackedObject {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return append([]trackedObject(nil), a.objects...)
}
