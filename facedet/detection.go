// Package facedet finds face regions in frames so they can be redacted.
package facedet

import (
	"context"
	"fmt"
	"image"
)

// A Detector returns the face regions found in the given image.
type Detector func(ctx context.Context, img image.Image) ([]Detection, error)

// Detection is a detected face region and the model's confidence in it.
type Detection interface {
	// BoundingBox returns a box around the detected face.
	BoundingBox() image.Rectangle
	// Score returns the confidence of the detection between 0.0 and 1.0.
	Score() float64
}

// NewDetection creates a simple 2D detection.
func NewDetection(boundingBox image.Rectangle, score float64) Detection {
	return &detection2D{boundingBox: boundingBox, score: score}
}

type detection2D struct {
	boundingBox image.Rectangle
	score       float64
}

func (d *detection2D) BoundingBox() image.Rectangle { return d.boundingBox }

func (d *detection2D) Score() float64 { return d.score }

func (d *detection2D) String() string {
	return fmt.Sprintf("Location: %v, Score: %.2f", d.boundingBox, d.score)
}

// Compose returns a Detector that runs det and then applies each
// postprocessor in order.
func Compose(det Detector, post ...Postprocessor) Detector {
	return func(ctx context.Context, img image.Image) ([]Detection, error) {
		detections, err := det(ctx, img)
		if err != nil {
			return nil, err
		}
		for _, p := range post {
			detections = p(detections)
		}
		return detections, nil
	}
}
