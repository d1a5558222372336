// Package detect locates face regions in raster frames using a pigo
// cascade loaded once at startup.
package detect

import (
	"image"
	"sort"
)

// Detection is one face bounding box with a confidence score in [0,1],
// expressed in the coordinate space of the frame it was detected on.
type Detection struct {
	X          int     `json:"x"`
	Y          int     `json:"y"`
	W          int     `json:"w"`
	H          int     `json:"h"`
	Confidence float64 `json:"confidence"`
}

// Rect returns the detection as an image.Rectangle.
func (d Detection) Rect() image.Rectangle {
	return image.Rect(d.X, d.Y, d.X+d.W, d.Y+d.H)
}

// Clamp confines the box to the given bounds. A box entirely outside the
// bounds collapses to zero size.
func (d Detection) Clamp(bounds image.Rectangle) Detection {
	r := d.Rect().Intersect(bounds)
	if r.Empty() {
		return Detection{Confidence: d.Confidence}
	}
	return Detection{X: r.Min.X, Y: r.Min.Y, W: r.Dx(), H: r.Dy(), Confidence: d.Confidence}
}

// IoU computes intersection-over-union between two boxes.
func IoU(a, b Detection) float64 {
	inter := a.Rect().Intersect(b.Rect())
	if inter.Empty() {
		return 0
	}
	interArea := float64(inter.Dx() * inter.Dy())
	union := float64(a.W*a.H+b.W*b.H) - interArea
	if union <= 0 {
		return 0
	}
	return interArea / union
}

// Suppress collapses overlapping detections of the same face, keeping the
// highest-confidence box of each overlapping cluster.
func Suppress(dets []Detection, iouThreshold float64) []Detection {
	if len(dets) <= 1 {
		return dets
	}

	sorted := make([]Detection, len(dets))
	copy(sorted, dets)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	var kept []Detection
	for _, cand := range sorted {
		overlaps := false
		for _, k := range kept {
			if IoU(cand, k) > iouThreshold {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, cand)
		}
	}
	return kept
}
