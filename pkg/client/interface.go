package client

import (
	"context"
	"image"

	"github.com/menta2k/detr-detect/pkg/types"
)

// ObjectDetector runs a detection model over a decoded image.
// Boxes are returned in the pixel space of img.
type ObjectDetector interface {
	Detect(ctx context.Context, img image.Image) ([]types.Detection, error)
	Close() error
}
