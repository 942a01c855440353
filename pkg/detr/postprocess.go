package detr

import (
	"fmt"
	"math"

	"github.com/menta2k/detr-detect/pkg/types"
)

// Output is the raw model output for a single image
type Output struct {
	// Logits is NumQueries x NumClasses
	Logits []float32
	// Boxes is NumQueries x 4 as normalized (cx, cy, w, h)
	Boxes      []float32
	NumQueries int
	NumClasses int
}

// PostProcess converts raw logits and boxes into detections in the pixel space
// of an origW x origH image. Only queries scoring strictly above threshold are kept,
// in query order.
func PostProcess(out Output, threshold float64, origW, origH int) ([]types.Detection, error) {
	if out.NumQueries <= 0 || out.NumClasses < 2 {
		return nil, fmt.Errorf("invalid output shape %dx%d", out.NumQueries, out.NumClasses)
	}
	if len(out.Logits) != out.NumQueries*out.NumClasses {
		return nil, fmt.Errorf("unexpected logits length: got %d, want %d", len(out.Logits), out.NumQueries*out.NumClasses)
	}
	if len(out.Boxes) != out.NumQueries*4 {
		return nil, fmt.Errorf("unexpected boxes length: got %d, want %d", len(out.Boxes), out.NumQueries*4)
	}

	fw, fh := float64(origW), float64(origH)
	probs := make([]float64, out.NumClasses)
	detections := make([]types.Detection, 0, 8)

	for q := 0; q < out.NumQueries; q++ {
		softmax(out.Logits[q*out.NumClasses:(q+1)*out.NumClasses], probs)

		// the last class is "no object" and never reported
		label, score := 0, probs[0]
		for c := 1; c < out.NumClasses-1; c++ {
			if probs[c] > score {
				label, score = c, probs[c]
			}
		}
		if score <= threshold {
			continue
		}

		b := out.Boxes[q*4 : q*4+4]
		cx, cy, w, h := float64(b[0]), float64(b[1]), float64(b[2]), float64(b[3])
		detections = append(detections, types.Detection{
			Score: score,
			Label: Label(label),
			Box: types.Box{
				XMin: (cx - 0.5*w) * fw,
				YMin: (cy - 0.5*h) * fh,
				XMax: (cx + 0.5*w) * fw,
				YMax: (cy + 0.5*h) * fh,
			},
		})
	}

	return detections, nil
}

// softmax writes the normalized exponentials of logits into dst
func softmax(logits []float32, dst []float64) {
	maxLogit := math.Inf(-1)
	for _, l := range logits {
		maxLogit = math.Max(maxLogit, float64(l))
	}
	var sum float64
	for i, l := range logits {
		e := math.Exp(float64(l) - maxLogit)
		dst[i] = e
		sum += e
	}
	for i := range logits {
		dst[i] /= sum
	}
}
