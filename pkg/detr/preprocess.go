package detr

import (
	"fmt"
	"image"
	"math"

	"github.com/disintegration/imaging"
)

// Input is a preprocessed image ready to be fed to the model
type Input struct {
	// Pixels holds the normalized image in channel-first order (3 x Height x Width)
	Pixels []float32
	Width  int
	Height int
}

// ResizeShape returns the model input size for an image of w x h: the shorter
// side becomes ShortestEdge unless that would push the longer side past LongestEdge.
func ResizeShape(w, h int) (int, int) {
	size := ShortestEdge
	minSide := float64(min(w, h))
	maxSide := float64(max(w, h))
	if maxSide/minSide*float64(size) > LongestEdge {
		size = int(math.Round(LongestEdge * minSide / maxSide))
	}

	if (h <= w && h == size) || (w <= h && w == size) {
		return w, h
	}
	if w < h {
		return size, int(float64(size) * float64(h) / float64(w))
	}
	return int(float64(size) * float64(w) / float64(h)), size
}

// Preprocess resizes, rescales and normalizes img the way the DETR image processor does
func Preprocess(img image.Image) (Input, error) {
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return Input{}, fmt.Errorf("invalid image dimensions %dx%d", b.Dx(), b.Dy())
	}

	w, h := ResizeShape(b.Dx(), b.Dy())
	var resized *image.NRGBA
	if w == b.Dx() && h == b.Dy() {
		resized = imaging.Clone(img)
	} else {
		resized = imaging.Resize(img, w, h, imaging.Linear)
	}

	channelSize := w * h
	pixels := make([]float32, 3*channelSize)
	for y := 0; y < h; y++ {
		row := resized.Pix[y*resized.Stride:]
		offset := y * w
		for x := 0; x < w; x++ {
			i := offset + x
			p := row[x*4:]
			for c := 0; c < 3; c++ {
				v := float32(p[c]) / 255.0
				pixels[c*channelSize+i] = (v - imageMean[c]) / imageStd[c]
			}
		}
	}

	return Input{Pixels: pixels, Width: w, Height: h}, nil
}

// PixelMask returns the all-ones mask for an unpadded single-image batch
func (in Input) PixelMask() []int64 {
	mask := make([]int64, in.Width*in.Height)
	for i := range mask {
		mask[i] = 1
	}
	return mask
}
