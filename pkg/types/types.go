package types

import (
	"image"
	"time"
)

// BoundingBox is an axis-aligned box in source-frame pixel coordinates.
type BoundingBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Valid reports whether the box has positive extent.
func (b BoundingBox) Valid() bool {
	return b.W > 0 && b.H > 0
}

// Rect converts the box to an image.Rectangle.
func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.W, b.Y+b.H)
}

// Detection is a single per-frame observation from the detector.
// It is owned transiently by the tracker during one update and is
// never persisted directly.
type Detection struct {
	ClassName   string      `json:"class_name"`
	Confidence  float64     `json:"confidence"`
	BBox        BoundingBox `json:"bbox"`
	FrameNumber uint64      `json:"frame_number"`
	Timestamp   time.Time   `json:"timestamp"`
}

// Frame is one decoded camera frame handed to the pipeline.
// Image may be nil when the capture collaborator supplies detections only.
type Frame struct {
	Image     image.Image
	Number    uint64
	Timestamp time.Time
}
