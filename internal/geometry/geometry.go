// Package geometry provides the pure box-overlap math used by the tracker's
// association cost. Callers are expected to reject malformed boxes
// (non-positive width or height) before calling in.
package geometry

import (
	"math"

	"github.com/dc-detector/detection-server/pkg/types"
)

// IoU returns the intersection-over-union of two boxes in [0, 1].
// Disjoint boxes yield 0.
func IoU(a, b types.BoundingBox) float64 {
	ix := math.Max(float64(a.X), float64(b.X))
	iy := math.Max(float64(a.Y), float64(b.Y))
	ix2 := math.Min(float64(a.X+a.W), float64(b.X+b.W))
	iy2 := math.Min(float64(a.Y+a.H), float64(b.Y+b.H))

	iw := ix2 - ix
	ih := iy2 - iy
	if iw <= 0 || ih <= 0 {
		return 0
	}

	inter := iw * ih
	union := float64(a.W)*float64(a.H) + float64(b.W)*float64(b.H) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

// CenterDistance returns the Euclidean distance between box centers.
func CenterDistance(a, b types.BoundingBox) float64 {
	ax := float64(a.X) + float64(a.W)/2
	ay := float64(a.Y) + float64(a.H)/2
	bx := float64(b.X) + float64(b.W)/2
	by := float64(b.Y) + float64(b.H)/2
	return math.Hypot(ax-bx, ay-by)
}
