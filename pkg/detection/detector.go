package detection

import (
	"context"
	"fmt"
	"image"

	"go.uber.org/zap"

	"github.com/menta2k/detr-detect/pkg/client"
	"github.com/menta2k/detr-detect/pkg/types"
)

// DefaultThreshold is the confidence a detection must exceed to be reported
const DefaultThreshold = 0.9

// InferenceError wraps any failure raised by a detection backend
type InferenceError struct {
	Backend string
	Err     error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("%s inference failed: %v", e.Backend, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

// Postprocessor filters or modifies a list of detections
type Postprocessor func([]types.Detection) []types.Detection

// NewScoreFilter drops detections whose score is not strictly above conf
func NewScoreFilter(conf float64) Postprocessor {
	return func(in []types.Detection) []types.Detection {
		out := make([]types.Detection, 0, len(in))
		for _, d := range in {
			if d.Score > conf {
				out = append(out, d)
			}
		}
		return out
	}
}

// Detector runs a backend inside a single error boundary and filters its output
type Detector struct {
	backend   client.ObjectDetector
	name      string
	threshold float64
	logger    *zap.Logger
}

// NewDetector creates a new detector around a backend
func NewDetector(backend client.ObjectDetector, name string, threshold float64, logger *zap.Logger) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{backend: backend, name: name, threshold: threshold, logger: logger}
}

// Open builds a backend with build and wraps it in a Detector. A build
// failure, including a panic, is returned as an *InferenceError.
func Open(name string, build func() (client.ObjectDetector, error), threshold float64, logger *zap.Logger) (detector *Detector, err error) {
	defer func() {
		if r := recover(); r != nil {
			detector = nil
			err = &InferenceError{Backend: name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	backend, err := build()
	if err != nil {
		return nil, &InferenceError{Backend: name, Err: err}
	}
	return NewDetector(backend, name, threshold, logger), nil
}

// Run detects objects in img. Every backend failure, including a panic, is
// returned as an *InferenceError.
func (d *Detector) Run(ctx context.Context, img image.Image) (detections []types.Detection, err error) {
	defer func() {
		if r := recover(); r != nil {
			detections = nil
			err = &InferenceError{Backend: d.name, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	raw, err := d.backend.Detect(ctx, img)
	if err != nil {
		return nil, &InferenceError{Backend: d.name, Err: err}
	}

	detections = NewScoreFilter(d.threshold)(raw)

	d.logger.Debug("filtered detections",
		zap.String("backend", d.name),
		zap.Int("raw", len(raw)),
		zap.Int("kept", len(detections)),
		zap.Float64("threshold", d.threshold))

	return detections, nil
}

// Close releases the backend
func (d *Detector) Close() error {
	return d.backend.Close()
}
