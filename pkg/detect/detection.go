// Package detect wraps an external object detector behind a load-once adapter.
package detect

import (
	"context"
	"errors"
	"image"
)

var (
	// ErrModelNotReady is returned when Detect is called before Load has completed.
	ErrModelNotReady = errors.New("detection model is not loaded")
	// ErrDecodeFailure is returned when the supplied bytes are not a decodable image.
	ErrDecodeFailure = errors.New("image could not be decoded")
)

// Detection is one labelled object instance found in an image.
// BBox holds x, y, width and height in pixels of the analysed frame.
type Detection struct {
	Label      string     `json:"class"`
	Confidence float64    `json:"score"`
	BBox       [4]float64 `json:"bbox"`
}

// Model runs inference on a decoded image.
type Model interface {
	Detect(ctx context.Context, img image.Image) ([]Detection, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, img image.Image) ([]Detection, error)

// Detect calls f.
func (f ModelFunc) Detect(ctx context.Context, img image.Image) ([]Detection, error) {
	return f(ctx, img)
}

// Labels returns one label per detection, in detection order. No confidence threshold is applied.
func Labels(detections []Detection) []string {
	labels := make([]string, 0, len(detections))
	for _, d := range detections {
		labels = append(labels, d.Label)
	}
	return labels
}
