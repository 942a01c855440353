package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported inference backends
const (
	BackendDETR     = "detr"
	BackendOllama   = "ollama"
	BackendLlamaCpp = "llamacpp"
)

// Config holds the application configuration
type Config struct {
	Model   ModelConfig   `json:"model" yaml:"model"`
	Runtime RuntimeConfig `json:"runtime" yaml:"runtime"`
	VLM     VLMConfig     `json:"vlm" yaml:"vlm"`
	HTTP    HTTPConfig    `json:"http" yaml:"http"`
	Log     LogConfig     `json:"log" yaml:"log"`
}

// ModelConfig identifies the detection model and how its output is filtered
type ModelConfig struct {
	Backend   string  `json:"backend" yaml:"backend"`
	Name      string  `json:"name" yaml:"name"`
	Revision  string  `json:"revision" yaml:"revision"`
	Path      string  `json:"path" yaml:"path"`
	Threshold float64 `json:"threshold" yaml:"threshold"`
	// ONNX graph tensor names; MaskInput may be empty for exports without a pixel mask
	PixelInput   string `json:"pixel_input" yaml:"pixel_input"`
	MaskInput    string `json:"mask_input" yaml:"mask_input"`
	LogitsOutput string `json:"logits_output" yaml:"logits_output"`
	BoxesOutput  string `json:"boxes_output" yaml:"boxes_output"`
}

// RuntimeConfig holds ONNX Runtime settings
type RuntimeConfig struct {
	LibraryPath  string `json:"library_path" yaml:"library_path"`
	IntraThreads int    `json:"intra_threads" yaml:"intra_threads"`
	InterThreads int    `json:"inter_threads" yaml:"inter_threads"`
}

// VLMConfig holds settings for the vision-language model backends
type VLMConfig struct {
	ServerURL string        `json:"server_url" yaml:"server_url"`
	Model     string        `json:"model" yaml:"model"`
	Timeout   time.Duration `json:"timeout" yaml:"timeout"`
}

// HTTPConfig controls image downloads
type HTTPConfig struct {
	Timeout   time.Duration `json:"timeout" yaml:"timeout"`
	UserAgent string        `json:"user_agent" yaml:"user_agent"`
	MaxBytes  int64         `json:"max_bytes" yaml:"max_bytes"`
}

// LogConfig controls the optional rotating log file
type LogConfig struct {
	File      string `json:"file" yaml:"file"`
	MaxSizeMB int    `json:"max_size_mb" yaml:"max_size_mb"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Backend:      BackendDETR,
			Name:         "facebook/detr-resnet-50",
			Revision:     "no_timm",
			Path:         "models/detr-resnet-50.onnx",
			Threshold:    0.9,
			PixelInput:   "pixel_values",
			MaskInput:    "pixel_mask",
			LogitsOutput: "logits",
			BoxesOutput:  "pred_boxes",
		},
		Runtime: RuntimeConfig{
			LibraryPath: "",
		},
		VLM: VLMConfig{
			Model:   "qwen2.5vl:7b",
			Timeout: 5 * time.Minute,
		},
		HTTP: HTTPConfig{
			Timeout:   30 * time.Second,
			UserAgent: "detr-detect/1.0 (+https://github.com/menta2k/detr-detect)",
			MaxBytes:  64 << 20,
		},
		Log: LogConfig{
			MaxSizeMB: 10,
		},
	}
}

// DefaultServerURL returns the conventional local address for a VLM backend
func DefaultServerURL(backend string) string {
	switch backend {
	case BackendOllama:
		return "http://localhost:11434"
	case BackendLlamaCpp:
		return "http://localhost:8080"
	}
	return ""
}

// isYAML reports whether filename should be read and written as YAML
func isYAML(filename string) bool {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// LoadFromFile loads configuration from a JSON or YAML file on top of the defaults
func LoadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if isYAML(filename) {
		err = yaml.Unmarshal(data, config)
	} else {
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a JSON or YAML file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var data []byte
	var err error
	if isYAML(filename) {
		data, err = yaml.Marshal(c)
	} else {
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Model.Backend {
	case BackendDETR:
		if c.Model.Path == "" {
			return errors.New("model.path is required for the detr backend")
		}
		if c.Model.PixelInput == "" || c.Model.LogitsOutput == "" || c.Model.BoxesOutput == "" {
			return errors.New("model tensor names cannot be empty")
		}
	case BackendOllama, BackendLlamaCpp:
		if c.VLM.Model == "" {
			return fmt.Errorf("vlm.model is required for the %s backend", c.Model.Backend)
		}
	default:
		return fmt.Errorf("unknown backend %q (use %s, %s or %s)",
			c.Model.Backend, BackendDETR, BackendOllama, BackendLlamaCpp)
	}

	if c.Model.Threshold <= 0 || c.Model.Threshold >= 1 {
		return errors.New("model.threshold must be between 0 and 1")
	}

	if c.Runtime.IntraThreads < 0 || c.Runtime.InterThreads < 0 {
		return errors.New("runtime thread counts cannot be negative")
	}

	if c.HTTP.Timeout < 0 {
		return errors.New("http.timeout cannot be negative")
	}

	if c.HTTP.MaxBytes < 0 {
		return errors.New("http.max_bytes cannot be negative")
	}

	if c.Log.MaxSizeMB < 0 {
		return errors.New("log.max_size_mb cannot be negative")
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "detr-detect", "config.json")
}
