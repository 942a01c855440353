package detrdetect

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/menta2k/detr-detect/internal/config"
	"github.com/menta2k/detr-detect/pkg/client"
	"github.com/menta2k/detr-detect/pkg/detection"
	"github.com/menta2k/detr-detect/pkg/processing"
	"github.com/menta2k/detr-detect/pkg/source"
	"github.com/menta2k/detr-detect/pkg/types"
)

type fakeBackend struct {
	detections []types.Detection
	err        error
	closed     bool
}

func (f *fakeBackend) Detect(context.Context, image.Image) ([]types.Detection, error) {
	return f.detections, f.err
}

func (f *fakeBackend) Close() error {
	f.closed = true
	return nil
}

func factoryFor(b *fakeBackend) BackendFactory {
	return func(*config.Config, *zap.Logger) (client.ObjectDetector, error) {
		return b, nil
	}
}

// createTestImage writes a small PNG to a temp dir and returns its path
func createTestImage(t *testing.T, width, height int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "cat.png")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun(t *testing.T) {
	backend := &fakeBackend{detections: []types.Detection{
		{Score: 0.95, Label: "cat", Box: types.Box{XMin: 10.111, YMin: 20.222, XMax: 30.333, YMax: 40.444}},
		{Score: 0.42, Label: "dog", Box: types.Box{XMin: 1, YMin: 1, XMax: 5, YMax: 5}},
	}}
	var out bytes.Buffer
	p := New(config.Default(), factoryFor(backend), &out, nil)

	dets, err := p.Run(context.Background(), source.Source{Kind: source.KindFile, Location: createTestImage(t, 64, 64)})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(dets) != 1 {
		t.Fatalf("Expected 1 detection, got %d", len(dets))
	}
	want := "Detected cat -->95.0% correct at location [10.11, 20.22, 30.33, 40.44]\n"
	if out.String() != want {
		t.Errorf("Unexpected output:\n got %q\nwant %q", out.String(), want)
	}
	if !backend.closed {
		t.Error("Backend should be closed after the run")
	}
}

func TestRunUnreadableFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("not an image"), 0o644); err != nil {
		t.Fatal(err)
	}

	called := false
	factory := func(*config.Config, *zap.Logger) (client.ObjectDetector, error) {
		called = true
		return &fakeBackend{}, nil
	}
	var out bytes.Buffer
	_, err := New(nil, factory, &out, nil).Run(context.Background(), source.Source{Kind: source.KindFile, Location: path})

	var de *processing.DecodeError
	if !errors.As(err, &de) || de.Kind != source.KindFile {
		t.Fatalf("Expected file DecodeError, got %v", err)
	}
	if called {
		t.Error("Backend should not be built when the image cannot be read")
	}
	if out.Len() != 0 {
		t.Errorf("Expected no output, got %q", out.String())
	}
}

func TestRunInferenceError(t *testing.T) {
	backend := &fakeBackend{err: errors.New("bad output shape")}
	var out bytes.Buffer
	_, err := New(config.Default(), factoryFor(backend), &out, nil).
		Run(context.Background(), source.Source{Kind: source.KindFile, Location: createTestImage(t, 16, 16)})

	var ie *detection.InferenceError
	if !errors.As(err, &ie) {
		t.Fatalf("Expected InferenceError, got %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("Expected no output, got %q", out.String())
	}
}

func TestRunBackendBuildError(t *testing.T) {
	factory := func(*config.Config, *zap.Logger) (client.ObjectDetector, error) {
		return nil, errors.New("model file missing")
	}
	_, err := New(config.Default(), factory, &bytes.Buffer{}, nil).
		Run(context.Background(), source.Source{Kind: source.KindFile, Location: createTestImage(t, 16, 16)})

	var ie *detection.InferenceError
	if !errors.As(err, &ie) || ie.Backend != config.BackendDETR {
		t.Fatalf("Expected detr InferenceError, got %v", err)
	}
}

func TestRunBackendBuildPanic(t *testing.T) {
	factory := func(*config.Config, *zap.Logger) (client.ObjectDetector, error) {
		panic("onnxruntime: library not loaded")
	}
	var out bytes.Buffer
	_, err := New(config.Default(), factory, &out, nil).
		Run(context.Background(), source.Source{Kind: source.KindFile, Location: createTestImage(t, 16, 16)})

	var ie *detection.InferenceError
	if !errors.As(err, &ie) || !strings.Contains(err.Error(), "library not loaded") {
		t.Fatalf("Expected InferenceError from build panic, got %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("Expected no output, got %q", out.String())
	}
}

func TestRunKeepsOutOfFrameBoxes(t *testing.T) {
	backend := &fakeBackend{detections: []types.Detection{
		{Score: 0.999, Label: "person", Box: types.Box{XMin: -1, YMin: -1, XMax: 11, YMax: 101}},
	}}
	var out bytes.Buffer
	if _, err := New(config.Default(), factoryFor(backend), &out, nil).
		Run(context.Background(), source.Source{Kind: source.KindFile, Location: createTestImage(t, 16, 16)}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	want := "Detected person -->99.9% correct at location [-1.0, -1.0, 11.0, 101.0]\n"
	if out.String() != want {
		t.Errorf("Unexpected output:\n got %q\nwant %q", out.String(), want)
	}
}

func TestRunJSONAndAnnotate(t *testing.T) {
	backend := &fakeBackend{detections: []types.Detection{
		{Score: 0.99, Label: "remote", Box: types.Box{XMin: 2, YMin: 2, XMax: 20, YMax: 20}},
	}}
	dir := t.TempDir()
	annotated := filepath.Join(dir, "out", "boxes.png")
	crops := filepath.Join(dir, "crops")
	var out bytes.Buffer
	p := NewWithOptions(config.Default(), factoryFor(backend), &out, nil, Options{Annotate: annotated, CropDir: crops, JSON: true})

	if _, err := p.Run(context.Background(), source.Source{Kind: source.KindFile, Location: createTestImage(t, 32, 32)}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !strings.HasPrefix(strings.TrimSpace(out.String()), "[") || !strings.Contains(out.String(), `"remote"`) {
		t.Errorf("Expected JSON output, got %q", out.String())
	}
	if _, err := os.Stat(annotated); err != nil {
		t.Errorf("Annotated image not written: %v", err)
	}
	if _, err := os.Stat(filepath.Join(crops, "001_remote.jpg")); err != nil {
		t.Errorf("Crop not written: %v", err)
	}
}

func TestNewBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Model.Path = filepath.Join(t.TempDir(), "missing.onnx")
	if _, err := NewBackend(cfg, nil); err == nil {
		t.Error("Expected error for missing model file")
	}

	cfg.Model.Backend = "tflite"
	if _, err := NewBackend(cfg, nil); err == nil {
		t.Error("Expected error for unknown backend")
	}

	cfg.Model.Backend = config.BackendOllama
	b, err := NewBackend(cfg, nil)
	if err != nil {
		t.Fatalf("NewBackend(ollama) failed: %v", err)
	}
	defer b.Close()

	cfg.Model.Backend = config.BackendLlamaCpp
	cfg.VLM.ServerURL = "http://127.0.0.1:9999"
	b, err = NewBackend(cfg, nil)
	if err != nil {
		t.Fatalf("NewBackend(llamacpp) failed: %v", err)
	}
	defer b.Close()
}

func TestGetVersion(t *testing.T) {
	if GetVersion() != Version {
		t.Errorf("GetVersion() = %s, want %s", GetVersion(), Version)
	}
}
