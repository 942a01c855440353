// Package detrdetect detects objects in a single image and reports the ones
// the model is confident about.
//
// An image is read from a local file or downloaded from a URL, handed to an
// object detection backend and every detection scoring above the threshold
// (0.9 by default) is printed as one line.
//
// Basic usage:
//
//	package main
//
//	import (
//		"context"
//		"log"
//		"os"
//
//		detrdetect "github.com/menta2k/detr-detect"
//		"github.com/menta2k/detr-detect/internal/config"
//		"github.com/menta2k/detr-detect/pkg/source"
//	)
//
//	func main() {
//		cfg := config.Default()
//		cfg.Model.Path = "models/detr-resnet-50.onnx"
//
//		p := detrdetect.New(cfg, detrdetect.NewBackend, os.Stdout, nil)
//		src, err := source.Resolve("cat.jpg", "")
//		if err != nil {
//			log.Fatal(err)
//		}
//		if _, err := p.Run(context.Background(), src); err != nil {
//			log.Fatal(err)
//		}
//	}
//
// Backends:
//
//  1. detr (pkg/detr): facebook/detr-resnet-50 exported to ONNX, run with ONNX Runtime
//  2. ollama (pkg/ollama): a vision model served by Ollama
//  3. llamacpp (pkg/llamacpp): a vision model behind llama.cpp's OpenAI-compatible server
//
// Errors returned by Run keep their kind so callers can pick an exit policy:
// *processing.DecodeError when the image cannot be read and
// *detection.InferenceError when the backend fails.
package detrdetect

import (
	"context"
	"fmt"
	"image"
	"io"

	"go.uber.org/zap"

	"github.com/menta2k/detr-detect/internal/config"
	"github.com/menta2k/detr-detect/internal/utils"
	"github.com/menta2k/detr-detect/pkg/client"
	"github.com/menta2k/detr-detect/pkg/cropper"
	"github.com/menta2k/detr-detect/pkg/detection"
	"github.com/menta2k/detr-detect/pkg/detr"
	"github.com/menta2k/detr-detect/pkg/llamacpp"
	"github.com/menta2k/detr-detect/pkg/ollama"
	"github.com/menta2k/detr-detect/pkg/processing"
	"github.com/menta2k/detr-detect/pkg/report"
	"github.com/menta2k/detr-detect/pkg/source"
	"github.com/menta2k/detr-detect/pkg/types"
)

// Version of the detr-detect tool
const Version = "1.0.0"

// BackendFactory builds the inference backend named by cfg.Model.Backend
type BackendFactory func(cfg *config.Config, logger *zap.Logger) (client.ObjectDetector, error)

// NewBackend is the default BackendFactory
func NewBackend(cfg *config.Config, logger *zap.Logger) (client.ObjectDetector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch cfg.Model.Backend {
	case config.BackendDETR:
		if !utils.FileExists(cfg.Model.Path) {
			return nil, fmt.Errorf("model file %q not found", cfg.Model.Path)
		}
		return detr.NewDetector(detr.Config{
			ModelPath:    cfg.Model.Path,
			LibraryPath:  cfg.Runtime.LibraryPath,
			PixelInput:   cfg.Model.PixelInput,
			MaskInput:    cfg.Model.MaskInput,
			LogitsOutput: cfg.Model.LogitsOutput,
			BoxesOutput:  cfg.Model.BoxesOutput,
			Threshold:    cfg.Model.Threshold,
			IntraThreads: cfg.Runtime.IntraThreads,
			InterThreads: cfg.Runtime.InterThreads,
		}, logger.Named("detr"))
	case config.BackendOllama:
		return ollama.NewClient(serverURL(cfg), cfg.VLM.Model, cfg.VLM.Timeout, logger.Named("ollama"))
	case config.BackendLlamaCpp:
		return llamacpp.NewClient(serverURL(cfg), cfg.VLM.Model, cfg.VLM.Timeout, logger.Named("llamacpp"))
	default:
		return nil, fmt.Errorf("unknown backend: %s", cfg.Model.Backend)
	}
}

func serverURL(cfg *config.Config) string {
	if cfg.VLM.ServerURL != "" {
		return cfg.VLM.ServerURL
	}
	return config.DefaultServerURL(cfg.Model.Backend)
}

// Options tweak a single run
type Options struct {
	// Annotate, when set, is the path the image with drawn boxes is written to
	Annotate string
	// CropDir, when set, receives one image per detection
	CropDir string
	// JSON prints a JSON array instead of text lines
	JSON bool
}

// Pipeline loads an image, runs a backend on it and prints the detections
type Pipeline struct {
	config    *config.Config
	processor *processing.Processor
	factory   BackendFactory
	out       io.Writer
	logger    *zap.Logger
	options   Options
}

// New creates a pipeline writing its report to out
func New(cfg *config.Config, factory BackendFactory, out io.Writer, logger *zap.Logger) *Pipeline {
	return NewWithOptions(cfg, factory, out, logger, Options{})
}

// NewWithOptions creates a pipeline with run options
func NewWithOptions(cfg *config.Config, factory BackendFactory, out io.Writer, logger *zap.Logger, opts Options) *Pipeline {
	if cfg == nil {
		cfg = config.Default()
	}
	if factory == nil {
		factory = NewBackend
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	processor := processing.NewProcessorWithConfig(processing.Config{
		Timeout:   cfg.HTTP.Timeout,
		UserAgent: cfg.HTTP.UserAgent,
		MaxBytes:  cfg.HTTP.MaxBytes,
	}, logger.Named("loader"))

	return &Pipeline{
		config:    cfg,
		processor: processor,
		factory:   factory,
		out:       out,
		logger:    logger,
		options:   opts,
	}
}

// LoadImage reads and decodes the image behind src
func (p *Pipeline) LoadImage(ctx context.Context, src source.Source) (*image.RGBA, error) {
	return p.processor.Load(ctx, src)
}

// Detect builds the backend, runs it on img and releases it again.
// Failing to build the backend counts as an inference failure.
func (p *Pipeline) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	build := func() (client.ObjectDetector, error) {
		return p.factory(p.config, p.logger)
	}
	detector, err := detection.Open(p.config.Model.Backend, build, p.config.Model.Threshold, p.logger.Named("detection"))
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := detector.Close(); err != nil {
			p.logger.Warn("failed to release backend", zap.Error(err))
		}
	}()

	return detector.Run(ctx, img)
}

// Report prints detections in the order given
func (p *Pipeline) Report(detections []types.Detection) error {
	return report.NewWriter(p.out, p.options.JSON).Write(detections)
}

// Run loads the image, detects objects and prints the result.
// Nothing is printed when any step fails.
func (p *Pipeline) Run(ctx context.Context, src source.Source) ([]types.Detection, error) {
	p.logger.Debug("loading image", zap.Stringer("source", src))
	img, err := p.LoadImage(ctx, src)
	if err != nil {
		return nil, err
	}

	detections, err := p.Detect(ctx, img)
	if err != nil {
		return nil, err
	}

	if p.options.Annotate != "" {
		if err := processing.SaveImage(processing.Annotate(img, detections), p.options.Annotate, 92); err != nil {
			return nil, fmt.Errorf("failed to write annotated image: %w", err)
		}
		p.logger.Info("wrote annotated image", zap.String("path", p.options.Annotate))
	}

	if p.options.CropDir != "" {
		c := cropper.New()
		paths, err := c.SaveCrops(p.options.CropDir, c.CropDetections(img, detections))
		if err != nil {
			return nil, err
		}
		p.logger.Info("wrote detection crops", zap.Int("count", len(paths)), zap.String("dir", p.options.CropDir))
	}

	if err := p.Report(detections); err != nil {
		return nil, fmt.Errorf("failed to print detections: %w", err)
	}
	return detections, nil
}

// GetVersion returns the tool version
func GetVersion() string {
	return Version
}
