package multibox

import "image"

// CorrelationTracker re-localizes known boxes frame after frame. Implementations are
// driven under the tracker lock and are expected to return promptly.
type CorrelationTracker interface {
	// Advance moves every live handle to the new frame, updating its box and correlation.
	Advance(frame []byte, timestamp int64)
	// BeginTracking starts following box, taken from frame, into the most recent frame.
	BeginTracking(box image.Rectangle, frame []byte) CorrelationHandle
}

// CorrelationHandle is one box followed by a CorrelationTracker.
type CorrelationHandle interface {
	CurrentBox() image.Rectangle
	CurrentCorrelation() float64
	Stop()
}

// TrackerFactory creates a correlation tracker for frames of the given geometry. A nil
// tracker or an error leaves the session without correlation.
type TrackerFactory func(width, height, stride int) (CorrelationTracker, error)
