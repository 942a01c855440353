package processing

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	_ "image/gif"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"go.uber.org/zap"
	_ "golang.org/x/image/bmp"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/detr-detect/internal/utils"
	"github.com/menta2k/detr-detect/pkg/source"
	"github.com/menta2k/detr-detect/pkg/types"
)

const (
	// DefaultTimeout bounds a single image download
	DefaultTimeout = 30 * time.Second
	// DefaultUserAgent is sent with every download
	DefaultUserAgent = "detr-detect/1.0 (+https://github.com/menta2k/detr-detect)"
	// DefaultMaxBytes caps the size of a downloaded image
	DefaultMaxBytes = 64 << 20
)

// errUnknownFormat is returned when no registered decoder accepts the data
var errUnknownFormat = errors.New("image: unknown or unsupported format")

// DecodeError reports an image that could not be loaded, tagged with where it came from
type DecodeError struct {
	Kind     source.Kind
	Location string
	Err      error
}

func (e *DecodeError) Error() string {
	switch e.Kind {
	case source.KindURL:
		return fmt.Sprintf("cannot read image from URL %s: %v", e.Location, e.Err)
	default:
		return fmt.Sprintf("cannot identify image file %s: %v", e.Location, e.Err)
	}
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Config controls how remote images are fetched
type Config struct {
	Timeout   time.Duration
	UserAgent string
	MaxBytes  int64
}

// Processor loads images from disk or HTTP and normalizes them to RGB
type Processor struct {
	config     Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewProcessor creates a new image processor with default settings
func NewProcessor() *Processor {
	return NewProcessorWithConfig(Config{}, nil)
}

// NewProcessorWithConfig creates a processor; zero config fields fall back to defaults
func NewProcessorWithConfig(cfg Config, logger *zap.Logger) *Processor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Load reads the image behind a resolved source and converts it to RGB
func (p *Processor) Load(ctx context.Context, src source.Source) (*image.RGBA, error) {
	switch src.Kind {
	case source.KindFile:
		return p.LoadImage(src.Location)
	case source.KindURL:
		return p.LoadImageFromURL(ctx, src.Location)
	default:
		return nil, fmt.Errorf("unsupported image source %q", src)
	}
}

// LoadImage loads an image from a file path with WebP support
func (p *Processor) LoadImage(path string) (*image.RGBA, error) {
	fail := func(err error) (*image.RGBA, error) {
		return nil, &DecodeError{Kind: source.KindFile, Location: path, Err: err}
	}

	// Try imaging.Open (registered decoders)
	if img, err := imaging.Open(path); err == nil {
		p.logDecoded(path, img)
		return ToRGB(img), nil
	}

	// Fallback: explicit decode from the raw bytes
	data, err := os.ReadFile(path)
	if err != nil {
		return fail(err)
	}
	img, err := decodeImageFromBytes(data, utils.IsWebP(path))
	if err != nil {
		return fail(err)
	}
	p.logDecoded(path, img)
	return ToRGB(img), nil
}

// LoadImageFromURL downloads and loads an image from a URL
func (p *Processor) LoadImageFromURL(ctx context.Context, imageURL string) (*image.RGBA, error) {
	fail := func(err error) (*image.RGBA, error) {
		return nil, &DecodeError{Kind: source.KindURL, Location: imageURL, Err: err}
	}

	parsedURL, err := url.Parse(imageURL)
	if err != nil {
		return fail(fmt.Errorf("invalid URL: %w", err))
	}
	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return fail(fmt.Errorf("unsupported URL scheme: %q (only http and https are supported)", parsedURL.Scheme))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return fail(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("User-Agent", p.config.UserAgent)

	start := time.Now()
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fail(fmt.Errorf("failed to download image: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fail(fmt.Errorf("failed to download image: HTTP %s", resp.Status))
	}

	// Body is streamed into the buffer, never more than MaxBytes
	data, err := io.ReadAll(io.LimitReader(resp.Body, p.config.MaxBytes+1))
	if err != nil {
		return fail(fmt.Errorf("failed to read image data: %w", err))
	}
	if int64(len(data)) > p.config.MaxBytes {
		return fail(fmt.Errorf("image larger than %s", utils.FormatFileSize(p.config.MaxBytes)))
	}
	p.logger.Debug("downloaded image",
		zap.String("url", imageURL),
		zap.String("size", utils.FormatFileSize(int64(len(data)))),
		zap.String("content_type", resp.Header.Get("Content-Type")),
		zap.Duration("elapsed", time.Since(start)))

	img, err := decodeImageFromBytes(data, utils.IsWebP(parsedURL.Path))
	if err != nil {
		return fail(err)
	}
	p.logDecoded(imageURL, img)
	return ToRGB(img), nil
}

func (p *Processor) logDecoded(location string, img image.Image) {
	info := GetImageInfo(img)
	p.logger.Debug("decoded image",
		zap.String("location", location),
		zap.Int("width", info.Width),
		zap.Int("height", info.Height))
}

// decodeImageFromBytes decodes an image from byte data with WebP support
func decodeImageFromBytes(data []byte, webpFirst bool) (image.Image, error) {
	if len(data) == 0 {
		return nil, errors.New("empty image data")
	}
	if webpFirst {
		if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
			return img, nil
		}
	}

	if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}

	if !webpFirst {
		if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
			return img, nil
		}
	}

	return nil, errUnknownFormat
}

// ToRGB copies img into an origin-anchored RGBA image with every pixel opaque.
// Color channels are kept as-is and alpha is discarded.
func ToRGB(img image.Image) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	nrgba := imaging.Clone(img)
	for i := 0; i < len(nrgba.Pix); i += 4 {
		dst.Pix[i+0] = nrgba.Pix[i+0]
		dst.Pix[i+1] = nrgba.Pix[i+1]
		dst.Pix[i+2] = nrgba.Pix[i+2]
		dst.Pix[i+3] = 0xff
	}
	return dst
}

// GetImageInfo returns basic information about an image
func GetImageInfo(img image.Image) types.ImageInfo {
	b := img.Bounds()
	return types.ImageInfo{Width: b.Dx(), Height: b.Dy()}
}

// SaveImage saves an image to a file, choosing the encoder from the extension
func SaveImage(img image.Image, path string, quality int) error {
	if !utils.IsSupportedOutput(path) {
		return fmt.Errorf("unsupported output format: %q", utils.GetFileExtension(path))
	}
	if err := utils.EnsureParentDir(path); err != nil {
		return err
	}
	switch utils.GetFileExtension(path) {
	case "webp":
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		return webp.Encode(f, img, &webp.Options{Quality: float32(quality)})
	case "png":
		return imaging.Save(img, path)
	default: // jpg/jpeg
		return imaging.Save(img, path, imaging.JPEGQuality(quality))
	}
}

var boxPalette = []color.NRGBA{
	{0, 255, 0, 255},
	{255, 204, 0, 255},
	{255, 0, 0, 255},
	{0, 170, 255, 255},
	{255, 0, 255, 255},
}

// labelHeight fits basicfont.Face7x13 with a one pixel margin
const labelHeight = 15

// Annotate returns a copy of img with every detection box outlined and labelled
func Annotate(img image.Image, detections []types.Detection) *image.NRGBA {
	nrgba := image.NewNRGBA(image.Rect(0, 0, img.Bounds().Dx(), img.Bounds().Dy()))
	draw.Draw(nrgba, nrgba.Bounds(), img, img.Bounds().Min, draw.Src)
	w, h := nrgba.Bounds().Dx(), nrgba.Bounds().Dy()
	stroke := int(math.Max(2, 0.004*float64(min(w, h)))) // ~0.4% of min side

	for i, d := range detections {
		c := boxPalette[i%len(boxPalette)]
		drawBox(nrgba, d.Box, c, stroke)
		x0, y0, _, _ := boxToPixels(d.Box, w, h)
		drawLabel(nrgba, fmt.Sprintf("%s %.0f%%", d.Label, d.Score*100), x0, y0, c)
	}
	return nrgba
}

// drawLabel writes text on a filled tag above (x, y), or just below it at the top edge
func drawLabel(img *image.NRGBA, text string, x, y int, bg color.NRGBA) {
	face := basicfont.Face7x13
	top := y - labelHeight
	if top < 0 {
		top = y
	}
	width := font.MeasureString(face, text).Ceil() + 4

	tag := image.Rect(x, top, x+width, top+labelHeight).Intersect(img.Bounds())
	draw.Draw(img, tag, image.NewUniform(bg), image.Point{}, draw.Src)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(color.Black),
		Face: face,
		Dot:  fixed.P(x+2, top+labelHeight-3),
	}
	d.DrawString(text)
}

func boxToPixels(box types.Box, w, h int) (int, int, int, int) {
	x0 := int(clamp(box.XMin, 0, float64(w)) + 0.5)
	y0 := int(clamp(box.YMin, 0, float64(h)) + 0.5)
	x1 := int(clamp(box.XMax, 0, float64(w)) + 0.5)
	y1 := int(clamp(box.YMax, 0, float64(h)) + 0.5)
	if x1 <= x0 {
		x1 = x0 + 1
	}
	if y1 <= y0 {
		y1 = y0 + 1
	}
	return x0, y0, x1, y1
}

func drawBox(img *image.NRGBA, box types.Box, c color.NRGBA, stroke int) {
	x0, y0, x1, y1 := boxToPixels(box, img.Bounds().Dx(), img.Bounds().Dy())
	for s := 0; s < stroke; s++ {
		drawHLine(img, y0+s, x0, x1, c)
		drawHLine(img, y1-1-s, x0, x1, c)
		drawVLine(img, x0+s, y0, y1, c)
		drawVLine(img, x1-1-s, y0, y1, c)
	}
}

func drawHLine(img *image.NRGBA, y, x0, x1 int, c color.NRGBA) {
	if y < 0 || y >= img.Bounds().Dy() {
		return
	}
	x0 = max(x0, 0)
	x1 = min(x1, img.Bounds().Dx())
	i := y*img.Stride + x0*4
	for x := x0; x < x1; x++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += 4
	}
}

func drawVLine(img *image.NRGBA, x, y0, y1 int, c color.NRGBA) {
	if x < 0 || x >= img.Bounds().Dx() {
		return
	}
	y0 = max(y0, 0)
	y1 = min(y1, img.Bounds().Dy())
	i := y0*img.Stride + x*4
	for y := y0; y < y1; y++ {
		img.Pix[i+0] = c.R
		img.Pix[i+1] = c.G
		img.Pix[i+2] = c.B
		img.Pix[i+3] = c.A
		i += img.Stride
	}
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
