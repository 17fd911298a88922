// Package redact obscures detected face regions in frames.
package redact

import (
	"image"

	"github.com/disintegration/imaging"

	"github.com/camm-cisco-hackathon/cctv-encrypt/facedet"
)

// Mosaic pixelates regions by averaging them down to a grid of fixed-size
// blocks and scaling the grid back up. The transform is deterministic: the
// same image, detections and block size always produce identical pixels.
type Mosaic struct {
	// Block is the side length in pixels of one mosaic cell.
	Block int
}

// Apply returns a copy of img with every detection's bounding box replaced
// by its mosaic. Boxes are clipped to the image bounds and skipped if they
// end up empty. img itself is never modified; with no detections the result
// is a plain copy.
func (m Mosaic) Apply(img image.Image, detections []facedet.Detection) image.Image {
	out := imaging.Clone(img)
	if len(detections) == 0 {
		return out
	}
	bounds := img.Bounds()
	block := m.Block
	if block < 1 {
		block = 1
	}
	for _, d := range detections {
		region := d.BoundingBox().Intersect(bounds)
		if region.Empty() {
			continue
		}
		cropped := imaging.Crop(img, region)
		cellsX := (region.Dx() + block - 1) / block
		cellsY := (region.Dy() + block - 1) / block
		down := imaging.Resize(cropped, cellsX, cellsY, imaging.Box)
		up := imaging.Resize(down, region.Dx(), region.Dy(), imaging.NearestNeighbor)
		out = imaging.Paste(out, up, region.Min.Sub(bounds.Min))
	}
	return out
}
