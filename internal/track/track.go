// Package track defines the identity-stable Track entity and its lifecycle.
// A Track links detections of the same object across frames; it is created and
// mutated only by the tracker.
package track

import (
	"time"

	"github.com/dc-detector/detection-server/pkg/types"
)

// State is the lifecycle state of a track.
type State int

const (
	// Active tracks have at least one matched detection and were matched
	// in the most recent frame.
	Active State = iota
	// Lost tracks missed one or more consecutive frames; the box is held
	// at the last known position.
	Lost
	// Removed is terminal: the miss count exceeded the configured max age.
	Removed
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Lost:
		return "lost"
	case Removed:
		return "removed"
	default:
		return "unknown"
	}
}

// Track is one persistently identified object. IDs are assigned
// monotonically by the tracker and never reused within a process.
type Track struct {
	ID          int64             `json:"track_id"`
	ClassName   string            `json:"class_name"` // sticky: set at birth, never changes
	Confidence  float64           `json:"confidence"`
	BBox        types.BoundingBox `json:"bbox"`
	FrameNumber uint64            `json:"frame_number"`
	FirstSeen   time.Time         `json:"first_seen"`
	LastSeen    time.Time         `json:"last_seen"`
	Misses      int               `json:"-"`
	State       State             `json:"-"`

	// Media references, filled in asynchronously by the media store.
	JPEGRef string `json:"jpeg_url,omitempty"`
	GIFRef  string `json:"gif_url,omitempty"`
}

// New creates an Active track from its founding detection.
func New(id int64, det types.Detection) *Track {
	return &Track{
		ID:          id,
		ClassName:   det.ClassName,
		Confidence:  det.Confidence,
		BBox:        det.BBox,
		FrameNumber: det.FrameNumber,
		FirstSeen:   det.Timestamp,
		LastSeen:    det.Timestamp,
		State:       Active,
	}
}

// Match absorbs a matched detection: box and confidence are replaced by the
// detection's values (no smoothing), the miss counter resets and the track
// returns to Active.
func (t *Track) Match(det types.Detection) {
	t.Confidence = det.Confidence
	t.BBox = det.BBox
	t.FrameNumber = det.FrameNumber
	t.LastSeen = det.Timestamp
	t.Misses = 0
	t.State = Active
}

// Miss records a frame with no matching detection. Once the miss count
// exceeds maxAge the track transitions to Removed and Miss reports true.
func (t *Track) Miss(maxAge int) (removed bool) {
	t.Misses++
	if t.Misses > maxAge {
		t.State = Removed
		return true
	}
	t.State = Lost
	return false
}

// Clone returns a copy suitable for publication in an immutable snapshot.
func (t *Track) Clone() Track {
	return *t
}
