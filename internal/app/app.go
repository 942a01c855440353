// Package app defines the detr-detect command line and its exit code policy.
package app

import (
	"errors"
	"fmt"
	"io"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	detrdetect "github.com/menta2k/detr-detect"
	"github.com/menta2k/detr-detect/internal/config"
	"github.com/menta2k/detr-detect/internal/logging"
	"github.com/menta2k/detr-detect/pkg/detection"
	"github.com/menta2k/detr-detect/pkg/processing"
	"github.com/menta2k/detr-detect/pkg/report"
	"github.com/menta2k/detr-detect/pkg/source"
)

const (
	flagFilePath   = "file_path"
	flagImageURL   = "image_url"
	flagBackend    = "backend"
	flagModelPath  = "model-path"
	flagOrtLib     = "ort-lib"
	flagServerURL  = "server-url"
	flagVLMModel   = "vlm-model"
	flagConfig     = "config"
	flagSaveConfig = "save-config"
	flagAnnotate   = "annotate"
	flagCropDir    = "crop-dir"
	flagJSON       = "json"
	flagDebug      = "debug"
	flagLogFile    = "log-file"
)

// UsageMessage is printed when no image source was given
const UsageMessage = "Please use -f or -u to specify a file path or url link"

type runner struct {
	out     io.Writer
	factory detrdetect.BackendFactory
}

// New builds the command. Detections and error messages go to out; factory
// creates the inference backend and defaults to detrdetect.NewBackend.
func New(out io.Writer, factory detrdetect.BackendFactory) *cli.App {
	if factory == nil {
		factory = detrdetect.NewBackend
	}
	r := &runner{out: out, factory: factory}

	return &cli.App{
		Name:            "detr-detect",
		Usage:           "detect objects in an image with DETR",
		Version:         detrdetect.Version,
		Writer:          out,
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagFilePath,
				Aliases: []string{"f"},
				Usage:   "File path of the image",
			},
			&cli.StringFlag{
				Name:    flagImageURL,
				Aliases: []string{"u"},
				Usage:   "URL of the image to process",
			},
			&cli.StringFlag{
				Name:  flagBackend,
				Value: config.BackendDETR,
				Usage: "inference backend: detr, ollama or llamacpp",
			},
			&cli.StringFlag{
				Name:  flagModelPath,
				Usage: "DETR ONNX model `FILE`",
			},
			&cli.StringFlag{
				Name:    flagOrtLib,
				EnvVars: []string{"ONNXRUNTIME_LIB"},
				Usage:   "ONNX Runtime shared library `FILE`",
			},
			&cli.StringFlag{
				Name:  flagServerURL,
				Usage: "server URL for the ollama and llamacpp backends",
			},
			&cli.StringFlag{
				Name:  flagVLMModel,
				Usage: "model name for the ollama and llamacpp backends",
			},
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Usage:   "load configuration from a JSON or YAML `FILE`",
			},
			&cli.BoolFlag{
				Name:  flagSaveConfig,
				Usage: "write the effective configuration to --config (or the default path) and exit",
			},
			&cli.StringFlag{
				Name:  flagAnnotate,
				Usage: "write the image with detection boxes to `FILE` (png, jpg or webp)",
			},
			&cli.StringFlag{
				Name:  flagCropDir,
				Usage: "save each detected object as an image in `DIR`",
			},
			&cli.BoolFlag{
				Name:  flagJSON,
				Usage: "print detections as a JSON array",
			},
			&cli.BoolFlag{
				Name:  flagDebug,
				Usage: "enable debug logging",
			},
			&cli.StringFlag{
				Name:  flagLogFile,
				Usage: "also write JSON logs to `FILE`, rotated by size",
			},
		},
		Action: r.run,
	}
}

func (r *runner) run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return r.fail(err.Error())
	}

	logger, err := logging.NewWithOptions(logging.Options{
		Debug:     c.Bool(flagDebug),
		File:      cfg.Log.File,
		MaxSizeMB: cfg.Log.MaxSizeMB,
	})
	if err != nil {
		return r.fail(fmt.Sprintf("Failed to initialize logging: %v", err))
	}
	defer func() { _ = logger.Sync() }()

	if c.Bool(flagSaveConfig) {
		path := c.String(flagConfig)
		if path == "" {
			path = config.GetConfigPath()
		}
		if err := cfg.SaveToFile(path); err != nil {
			return r.fail(err.Error())
		}
		fmt.Fprintf(r.out, "Configuration written to %s\n", path)
		return nil
	}

	src, err := source.Resolve(c.String(flagFilePath), c.String(flagImageURL))
	if err != nil {
		return r.fail(UsageMessage)
	}

	pipeline := detrdetect.NewWithOptions(cfg, r.factory, r.out, logger, detrdetect.Options{
		Annotate: c.String(flagAnnotate),
		CropDir:  c.String(flagCropDir),
		JSON:     c.Bool(flagJSON),
	})

	if _, err := pipeline.Run(c.Context, src); err != nil {
		logger.Debug("run failed", zap.Error(err))
		return r.fail(Message(err))
	}
	return nil
}

// fail prints msg in red and exits with status 1
func (r *runner) fail(msg string) error {
	report.PrintError(r.out, msg)
	return cli.Exit("", 1)
}

// Message turns a pipeline error into the line shown to the user
func Message(err error) string {
	var decodeErr *processing.DecodeError
	var inferenceErr *detection.InferenceError

	switch {
	case errors.Is(err, source.ErrNoSource):
		return UsageMessage
	case errors.As(err, &decodeErr) && decodeErr.Kind == source.KindFile:
		return fmt.Sprintf("Image file cannot be identified: %s", decodeErr.Location)
	case errors.As(err, &decodeErr):
		return fmt.Sprintf("Image URL cannot be read: %s", decodeErr.Location)
	case errors.As(err, &inferenceErr):
		return fmt.Sprintf("An error occurred during object detection: %v", inferenceErr.Err)
	default:
		return err.Error()
	}
}

// loadConfig reads --config when given and applies flag overrides on top
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path := c.String(flagConfig); path != "" && !c.Bool(flagSaveConfig) {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if c.IsSet(flagBackend) {
		cfg.Model.Backend = c.String(flagBackend)
	}
	if c.IsSet(flagModelPath) {
		cfg.Model.Path = c.String(flagModelPath)
	}
	if c.IsSet(flagOrtLib) {
		cfg.Runtime.LibraryPath = c.String(flagOrtLib)
	}
	if c.IsSet(flagServerURL) {
		cfg.VLM.ServerURL = c.String(flagServerURL)
	}
	if c.IsSet(flagVLMModel) {
		cfg.VLM.Model = c.String(flagVLMModel)
	}
	if c.IsSet(flagLogFile) {
		cfg.Log.File = c.String(flagLogFile)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
