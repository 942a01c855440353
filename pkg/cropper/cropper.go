package cropper

import (
	"fmt"
	"image"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/menta2k/detr-detect/pkg/processing"
	"github.com/menta2k/detr-detect/pkg/types"
)

// Cropper cuts detected objects out of an image
type Cropper struct {
	config CropConfig
}

// CropConfig holds configuration for detection crops
type CropConfig struct {
	// PaddingRatio grows each box by this fraction of its size on every side
	PaddingRatio float64
	// MinSize skips boxes narrower or shorter than this many pixels
	MinSize int
	Format  string
	Quality int
}

// New creates a new Cropper with default configuration
func New() *Cropper {
	return &Cropper{
		config: CropConfig{
			PaddingRatio: 0.05,
			MinSize:      2,
			Format:       "jpg",
			Quality:      90,
		},
	}
}

// NewWithConfig creates a new Cropper with custom configuration
func NewWithConfig(config CropConfig) *Cropper {
	if config.Format == "" {
		config.Format = "jpg"
	}
	if config.Quality <= 0 {
		config.Quality = 90
	}
	return &Cropper{config: config}
}

// CropResult contains the cut-out of a single detection
type CropResult struct {
	Image     image.Image
	Detection types.Detection
	Region    image.Rectangle
}

// Region returns the padded pixel rectangle for a box, limited to bounds
func (c *Cropper) Region(box types.Box, bounds image.Rectangle) image.Rectangle {
	padX := box.Width() * c.config.PaddingRatio
	padY := box.Height() * c.config.PaddingRatio

	r := image.Rect(
		int(box.XMin-padX),
		int(box.YMin-padY),
		int(box.XMax+padX+0.5),
		int(box.YMax+padY+0.5),
	).Add(bounds.Min)
	return r.Intersect(bounds)
}

// CropDetections returns one crop per detection, in detection order.
// Boxes smaller than MinSize after clipping are skipped.
func (c *Cropper) CropDetections(img image.Image, detections []types.Detection) []CropResult {
	bounds := img.Bounds()
	results := make([]CropResult, 0, len(detections))

	for _, d := range detections {
		region := c.Region(d.Box, bounds)
		if region.Dx() < c.config.MinSize || region.Dy() < c.config.MinSize {
			continue
		}
		results = append(results, CropResult{
			Image:     imaging.Crop(img, region),
			Detection: d,
			Region:    region,
		})
	}

	return results
}

// SaveCrops writes each crop to dir as NNN_label.ext and returns the paths
func (c *Cropper) SaveCrops(dir string, results []CropResult) ([]string, error) {
	paths := make([]string, 0, len(results))
	for i, r := range results {
		name := fmt.Sprintf("%03d_%s.%s", i+1, sanitizeLabel(r.Detection.Label), c.config.Format)
		path := filepath.Join(dir, name)
		if err := processing.SaveImage(r.Image, path, c.config.Quality); err != nil {
			return paths, fmt.Errorf("failed to save crop %s: %w", name, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// sanitizeLabel makes a label safe to use in a file name
func sanitizeLabel(label string) string {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" {
		return "object"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '_'
		}
	}, label)
}
