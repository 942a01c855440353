package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"go.uber.org/zap"

	"github.com/menta2k/detr-detect/pkg/types"
	"github.com/menta2k/detr-detect/pkg/vlm"
)

// DefaultTimeout bounds a single chat request when the context has no deadline
const DefaultTimeout = 300 * time.Second

// Client detects objects by prompting a vision model served by Ollama
type Client struct {
	client  *api.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

// NewClient creates a new Ollama client
func NewClient(ollamaURL, model string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	parsedURL, err := url.Parse(ollamaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid URL: %q", ollamaURL)
	}

	// Base URL without any path like /api/chat
	baseURL := &url.URL{
		Scheme: parsedURL.Scheme,
		Host:   parsedURL.Host,
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		client:  api.NewClient(baseURL, http.DefaultClient),
		model:   model,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// Detect sends img to the model and parses the detections from its reply
func (c *Client) Detect(ctx context.Context, img image.Image) ([]types.Detection, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	imgBytes, scale, err := vlm.EncodeImage(img, vlm.DefaultMaxDim, 85)
	if err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	b := img.Bounds()
	sentW, sentH := int(float64(b.Dx())/scale+0.5), int(float64(b.Dy())/scale+0.5)

	streamFalse := false
	options := map[string]any{"temperature": 0.0}
	modelLower := strings.ToLower(c.model)
	if strings.Contains(modelLower, "minicpm-v") {
		options["num_ctx"] = 4096
	}

	req := &api.ChatRequest{
		Model: c.model,
		Messages: []api.Message{
			{
				Role:    "user",
				Content: vlm.Prompt(sentW, sentH),
				Images:  []api.ImageData{api.ImageData(imgBytes)},
			},
		},
		Stream:  &streamFalse,
		Format:  json.RawMessage(`"json"`),
		Options: options,
	}

	start := time.Now()
	var responseContent string
	err = c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		responseContent += resp.Message.Content
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ollama chat error: %w", err)
	}
	c.logger.Debug("ollama reply",
		zap.String("model", c.model),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("chars", len(responseContent)))

	if responseContent == "" {
		return nil, errors.New("empty response from ollama")
	}

	return vlm.ParseDetections(responseContent, scale, b.Dx(), b.Dy())
}

// Close is a no-op; the HTTP client holds no per-run resources
func (c *Client) Close() error {
	return nil
}
