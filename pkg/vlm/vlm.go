// Package vlm holds the prompt and response parsing shared by the
// vision-language model backends.
package vlm

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"regexp"
	"strings"

	"github.com/disintegration/imaging"

	"github.com/menta2k/detr-detect/pkg/types"
)

// PromptTemplate asks the model for every object with pixel coordinates.
// The image size is substituted so the model can answer in absolute pixels.
const PromptTemplate = `You are an object detector.

The image is %d pixels wide and %d pixels high.

Return JSON only:
{
  "detections": [
    {"label": "string", "score": 0.0, "box": [xmin, ymin, xmax, ymax]}
  ]
}

HARD RULES
- Coordinates are absolute pixels of the image above, NOT normalized.
- Labels are short lowercase COCO-style nouns ("person", "cat", "traffic light").
- score is your confidence in [0,1].
- If nothing is found return {"detections": []}.
- JSON only. No markdown, no code fences, no comments, no trailing commas.`

// DefaultMaxDim is the long side of the image sent to a model
const DefaultMaxDim = 1536

// ErrNoJSON is returned when a model response contains no JSON object
var ErrNoJSON = errors.New("no JSON object in model response")

var (
	reBlock    = regexp.MustCompile(`(?s)/\*.*?\*/`)
	reLine     = regexp.MustCompile(`(?m)^\s*//.*$`)
	reTrailing = regexp.MustCompile(`,(\s*[}\]])`)
)

type response struct {
	Detections []struct {
		Label string     `json:"label"`
		Score float64    `json:"score"`
		Box   [4]float64 `json:"box"`
	} `json:"detections"`
}

// Prompt returns the detection prompt for an image of the given size
func Prompt(width, height int) string {
	return fmt.Sprintf(PromptTemplate, width, height)
}

// EncodeImage JPEG-encodes img, shrinking it so the long side is at most maxDim.
// It returns the encoded bytes and the scale factor from sent pixels back to img pixels.
func EncodeImage(img image.Image, maxDim, quality int) ([]byte, float64, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	scale := 1.0
	if maxDim > 0 && (w > maxDim || h > maxDim) {
		if w >= h {
			img = imaging.Resize(img, maxDim, 0, imaging.Lanczos)
			scale = float64(w) / float64(img.Bounds().Dx())
		} else {
			img = imaging.Resize(img, 0, maxDim, imaging.Lanczos)
			scale = float64(h) / float64(img.Bounds().Dy())
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), scale, nil
}

// EncodeBase64 is EncodeImage followed by standard base64 encoding
func EncodeBase64(img image.Image, maxDim, quality int) (string, float64, error) {
	data, scale, err := EncodeImage(img, maxDim, quality)
	if err != nil {
		return "", 0, err
	}
	return base64.StdEncoding.EncodeToString(data), scale, nil
}

// ParseDetections extracts detections from a model reply. Boxes are multiplied by
// scale, reordered so min <= max and clamped to a width x height image.
func ParseDetections(raw string, scale float64, width, height int) ([]types.Detection, error) {
	raw = SanitizeModelJSON(raw)
	if !strings.HasPrefix(raw, "{") {
		return nil, ErrNoJSON
	}

	var resp response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("failed to parse model response: %w", err)
	}

	out := make([]types.Detection, 0, len(resp.Detections))
	for _, d := range resp.Detections {
		label := strings.ToLower(strings.TrimSpace(d.Label))
		if label == "" {
			continue
		}
		box := d.Box
		for i := range box {
			box[i] *= scale
		}
		if box[0] > box[2] {
			box[0], box[2] = box[2], box[0]
		}
		if box[1] > box[3] {
			box[1], box[3] = box[3], box[1]
		}
		for i := range box {
			limit := float64(width)
			if i%2 == 1 {
				limit = float64(height)
			}
			box[i] = clamp(box[i], 0, limit)
		}
		out = append(out, types.Detection{
			Score: clamp(d.Score, 0, 1),
			Label: label,
			Box:   types.BoxFromSlice(box),
		})
	}
	return out, nil
}

// SanitizeModelJSON removes code fences, comments, and trailing commas from JSON response
func SanitizeModelJSON(raw string) string {
	raw = strings.TrimSpace(raw)

	// Strip triple-backtick fences if present
	if strings.HasPrefix(raw, "```") {
		if i := strings.Index(raw, "\n"); i >= 0 {
			raw = raw[i+1:]
		}
		if j := strings.LastIndex(raw, "```"); j >= 0 {
			raw = raw[:j]
		}
	}
	raw = strings.TrimSpace(raw)
	raw = strings.Trim(raw, "`")

	raw = reBlock.ReplaceAllString(raw, "")
	raw = reLine.ReplaceAllString(raw, "")
	raw = reTrailing.ReplaceAllString(raw, "$1")

	// Keep only the outermost {...}
	if start := strings.Index(raw, "{"); start >= 0 {
		if end := strings.LastIndex(raw, "}"); end > start {
			raw = raw[start : end+1]
		}
	}
	return strings.TrimSpace(raw)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
