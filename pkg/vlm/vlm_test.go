package vlm

import (
	"bytes"
	"errors"
	"image"
	"image/jpeg"
	"strings"
	"testing"
)

func TestSanitizeModelJSON(t *testing.T) {
	raw := "```json\n{\n  // leading comment\n  \"detections\": [ /* inline */ {\"label\": \"cat\",},],\n}\n```"
	got := SanitizeModelJSON(raw)
	want := "{\n\n  \"detections\": [  {\"label\": \"cat\"}]\n}"
	if got != want {
		t.Errorf("SanitizeModelJSON:\n got %q\nwant %q", got, want)
	}
}

func TestParseDetections(t *testing.T) {
	raw := `Sure! {"detections": [
		{"label": " Cat ", "score": 0.97, "box": [10, 20, 30, 40]},
		{"label": "dog", "score": 1.4, "box": [90, 80, 10, 5]},
		{"label": "", "score": 0.99, "box": [0, 0, 1, 1]}
	]}`

	dets, err := ParseDetections(raw, 2, 100, 100)
	if err != nil {
		t.Fatalf("ParseDetections failed: %v", err)
	}
	if len(dets) != 2 {
		t.Fatalf("Expected 2 detections, got %d", len(dets))
	}

	if dets[0].Label != "cat" {
		t.Errorf("Expected normalized label cat, got %q", dets[0].Label)
	}
	if got := dets[0].Box.Slice(); got != [4]float64{20, 40, 60, 80} {
		t.Errorf("Expected scaled box, got %v", got)
	}

	dog := dets[1]
	if dog.Score != 1 {
		t.Errorf("Expected score clamped to 1, got %f", dog.Score)
	}
	if got := dog.Box.Slice(); got != [4]float64{20, 10, 100, 100} {
		t.Errorf("Expected reordered and clamped box, got %v", got)
	}
}

func TestParseDetectionsNoJSON(t *testing.T) {
	_, err := ParseDetections("I see a cat.", 1, 10, 10)
	if !errors.Is(err, ErrNoJSON) {
		t.Errorf("Expected ErrNoJSON, got %v", err)
	}
	if _, err := ParseDetections(`{"detections": [}`, 1, 10, 10); err == nil {
		t.Error("Expected parse error for broken JSON")
	}
}

func TestParseDetectionsEmpty(t *testing.T) {
	dets, err := ParseDetections(`{"detections": []}`, 1, 10, 10)
	if err != nil {
		t.Fatalf("ParseDetections failed: %v", err)
	}
	if len(dets) != 0 {
		t.Errorf("Expected no detections, got %v", dets)
	}
}

func TestEncodeImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 400, 200))

	data, scale, err := EncodeImage(img, 100, 85)
	if err != nil {
		t.Fatalf("EncodeImage failed: %v", err)
	}
	if scale != 4 {
		t.Errorf("Expected scale 4, got %f", scale)
	}
	decoded, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("Encoded data is not a JPEG: %v", err)
	}
	if decoded.Bounds().Dx() != 100 || decoded.Bounds().Dy() != 50 {
		t.Errorf("Expected 100x50, got %v", decoded.Bounds())
	}

	_, scale, err = EncodeImage(img, 0, 85)
	if err != nil || scale != 1 {
		t.Errorf("maxDim 0 should keep original size, scale %f err %v", scale, err)
	}
}

func TestPrompt(t *testing.T) {
	p := Prompt(640, 480)
	if !strings.Contains(p, "640 pixels wide and 480 pixels high") {
		t.Errorf("Prompt should mention the image size: %s", p)
	}
}
