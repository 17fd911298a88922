package facedet

import (
	"image"
	"sort"
)

// Postprocessor defines a function that filters/modifies an incoming array of Detections.
type Postprocessor func([]Detection) []Detection

// NewScoreFilter returns a function that filters out detections below a certain confidence.
func NewScoreFilter(conf float64) Postprocessor {
	return func(in []Detection) []Detection {
		out := make([]Detection, 0, len(in))
		for _, d := range in {
			if d.Score() >= conf {
				out = append(out, d)
			}
		}
		return out
	}
}

// MergeOverlapping returns a function that collapses detections of the same
// face: any box overlapping an already kept box at or above the given IoU is
// merged into the higher-confidence one.
func MergeOverlapping(iou float64) Postprocessor {
	return func(in []Detection) []Detection {
		if len(in) < 2 {
			return in
		}
		sorted := make([]Detection, len(in))
		copy(sorted, in)
		sort.SliceStable(sorted, func(i, j int) bool {
			return sorted[i].Score() > sorted[j].Score()
		})
		kept := make([]Detection, 0, len(sorted))
		for _, d := range sorted {
			overlaps := false
			for _, k := range kept {
				if boxIOU(d.BoundingBox(), k.BoundingBox()) >= iou {
					overlaps = true
					break
				}
			}
			if !overlaps {
				kept = append(kept, d)
			}
		}
		return kept
	}
}

// boxIOU returns the intersection over union of two boxes.
func boxIOU(a, b image.Rectangle) float64 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	interArea := float64(inter.Dx() * inter.Dy())
	union := float64(a.Dx()*a.Dy()) + float64(b.Dx()*b.Dy()) - interArea
	if union <= 0 {
		return 0
	}
	return interArea / union
}
