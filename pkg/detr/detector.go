package detr

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"runtime"
	"time"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/menta2k/detr-detect/pkg/types"
)

// ErrNoRuntime is returned when the ONNX Runtime library could not be loaded from its default location
var ErrNoRuntime = errors.New("ONNX Runtime library not found: pass --ort-lib or set ONNXRUNTIME_LIB")

// Config describes the ONNX export and the runtime used to execute it
type Config struct {
	ModelPath   string
	LibraryPath string

	PixelInput   string
	MaskInput    string
	LogitsOutput string
	BoxesOutput  string

	Threshold    float64
	IntraThreads int
	InterThreads int
}

// DefaultConfig returns the tensor names of a standard DETR ONNX export
func DefaultConfig() Config {
	return Config{
		PixelInput:   "pixel_values",
		MaskInput:    "pixel_mask",
		LogitsOutput: "logits",
		BoxesOutput:  "pred_boxes",
		Threshold:    DefaultThreshold,
	}
}

// Timings records how long each stage of a detection took
type Timings struct {
	Preprocess  time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Total       time.Duration
}

// Detector runs DETR through ONNX Runtime
type Detector struct {
	config     Config
	session    *ort.DynamicAdvancedSession
	ownsEnv    bool
	logger     *zap.Logger
	outputDims [2]int64
}

// NewDetector initializes ONNX Runtime (if needed) and loads the model
func NewDetector(cfg Config, logger *zap.Logger) (*Detector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("model file not found: %w", err)
	}

	ownsEnv := false
	if !ort.IsInitialized() {
		if cfg.LibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.LibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			if cfg.LibraryPath == "" {
				return nil, fmt.Errorf("%w: %v", ErrNoRuntime, err)
			}
			return nil, fmt.Errorf("error initializing ONNX Runtime: %w", err)
		}
		ownsEnv = true
	}

	session, err := newSession(cfg)
	if err != nil {
		if ownsEnv {
			err = multierr.Append(err, ort.DestroyEnvironment())
		}
		return nil, err
	}

	logger.Debug("loaded model",
		zap.String("name", ModelName),
		zap.String("revision", ModelRevision),
		zap.String("path", cfg.ModelPath))

	return &Detector{
		config:     cfg,
		session:    session,
		ownsEnv:    ownsEnv,
		logger:     logger,
		outputDims: [2]int64{NumQueries, NumClasses},
	}, nil
}

func newSession(cfg Config) (*ort.DynamicAdvancedSession, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	intra, inter := cfg.IntraThreads, cfg.InterThreads
	if intra <= 0 {
		intra = runtime.NumCPU()
	}
	if inter <= 0 {
		inter = 1
	}
	if err := options.SetIntraOpNumThreads(intra); err != nil {
		return nil, fmt.Errorf("error setting intra-op threads: %w", err)
	}
	if err := options.SetInterOpNumThreads(inter); err != nil {
		return nil, fmt.Errorf("error setting inter-op threads: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(
		cfg.ModelPath,
		inputNames(cfg),
		[]string{cfg.LogitsOutput, cfg.BoxesOutput},
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("error creating session: %w", err)
	}
	return session, nil
}

func inputNames(cfg Config) []string {
	names := []string{cfg.PixelInput}
	if cfg.MaskInput != "" {
		names = append(names, cfg.MaskInput)
	}
	return names
}

// Detect runs the model on img and returns detections above the configured threshold
func (d *Detector) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var timings Timings
	start := time.Now()

	in, err := Preprocess(img)
	if err != nil {
		return nil, fmt.Errorf("prepare input: %w", err)
	}
	timings.Preprocess = time.Since(start)

	inferStart := time.Now()
	out, err := d.run(in)
	if err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}
	timings.Inference = time.Since(inferStart)

	postStart := time.Now()
	bounds := img.Bounds()
	detections, err := PostProcess(out, d.config.Threshold, bounds.Dx(), bounds.Dy())
	if err != nil {
		return nil, fmt.Errorf("process predictions: %w", err)
	}
	timings.Postprocess = time.Since(postStart)
	timings.Total = time.Since(start)

	d.logger.Debug("detection finished",
		zap.Int("input_width", in.Width),
		zap.Int("input_height", in.Height),
		zap.Int("detections", len(detections)),
		zap.Duration("preprocess", timings.Preprocess),
		zap.Duration("inference", timings.Inference),
		zap.Duration("postprocess", timings.Postprocess),
		zap.Duration("total", timings.Total))

	return detections, nil
}

func (d *Detector) run(in Input) (out Output, err error) {
	var tensors []ort.Value
	defer func() {
		for _, t := range tensors {
			err = multierr.Append(err, t.Destroy())
		}
	}()

	pixels, err := ort.NewTensor(ort.NewShape(1, 3, int64(in.Height), int64(in.Width)), in.Pixels)
	if err != nil {
		return Output{}, fmt.Errorf("error creating input tensor: %w", err)
	}
	tensors = append(tensors, pixels)
	inputs := []ort.Value{pixels}

	if d.config.MaskInput != "" {
		mask, err := ort.NewTensor(ort.NewShape(1, int64(in.Height), int64(in.Width)), in.PixelMask())
		if err != nil {
			return Output{}, fmt.Errorf("error creating mask tensor: %w", err)
		}
		tensors = append(tensors, mask)
		inputs = append(inputs, mask)
	}

	queries, classes := d.outputDims[0], d.outputDims[1]
	logits, err := ort.NewEmptyTensor[float32](ort.NewShape(1, queries, classes))
	if err != nil {
		return Output{}, fmt.Errorf("error creating logits tensor: %w", err)
	}
	tensors = append(tensors, logits)

	boxes, err := ort.NewEmptyTensor[float32](ort.NewShape(1, queries, 4))
	if err != nil {
		return Output{}, fmt.Errorf("error creating boxes tensor: %w", err)
	}
	tensors = append(tensors, boxes)

	if err := d.session.Run(inputs, []ort.Value{logits, boxes}); err != nil {
		return Output{}, err
	}

	// copy out before the deferred Destroy frees the tensor memory
	return Output{
		Logits:     append([]float32(nil), logits.GetData()...),
		Boxes:      append([]float32(nil), boxes.GetData()...),
		NumQueries: int(queries),
		NumClasses: int(classes),
	}, nil
}

// Close releases the session and, if this detector created it, the runtime environment
func (d *Detector) Close() error {
	var err error
	if d.session != nil {
		err = multierr.Append(err, d.session.Destroy())
		d.session = nil
	}
	if d.ownsEnv {
		err = multierr.Append(err, ort.DestroyEnvironment())
		d.ownsEnv = false
	}
	return err
}
