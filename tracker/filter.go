// Package tracker implements the multibox tracker as a Viam vision service
// This file contains methods that are useful for filtering out detections.
package tracker

import (
	"strings"

	objdet "go.viam.com/rdk/vision/objectdetection"
)

// NewAdvancedFilter returns a Detections->Detections filtering method to remove
// detections that do not have a class name in chosenLabels and/or do not have the
// associated minimum confidence. An empty input map will return all detections.
// Input chosenLabels is the map with <"class_name": confidence> key-value pairs,
// class names are matched case-insensitively.
func NewAdvancedFilter(chosenLabels map[string]float64) objdet.Postprocessor {
	lowered := make(map[string]float64, len(chosenLabels))
	for label, conf := range chosenLabels {
		lowered[strings.ToLower(label)] = conf
	}
	return func(detections []objdet.Detection) []objdet.Detection {
		// If it's empty, return the input.
		if len(lowered) < 1 {
			return detections
		}
		out := make([]objdet.Detection, 0, len(detections))
		for _, d := range detections {
			minConf, ok := lowered[strings.ToLower(d.Label())]
			if ok && d.Score() >= minConf {
				out = append(out, d)
			}
		}
		return out
	}
}

// FilterDetections chains the chosen label filter with the global confidence floor.
func FilterDetections(chosenLabels map[string]float64, conf float64) objdet.Postprocessor {
	byLabel := NewAdvancedFilter(chosenLabels)
	byScore := objdet.NewScoreFilter(conf)
	return func(detections []objdet.Detection) []objdet.Detection {
		return byScore(byLabel(detections))
	}
}
