package video

import (
	"image"
	"math"

	"github.com/ajitpratap0/posevol/pkg/errors"
)

// Interpolation selects how frames are sampled at sub-pixel positions
type Interpolation string

const (
	// Nearest rounds to the closest pixel center
	Nearest Interpolation = "nearest"
	// Bilinear blends the four surrounding pixels
	Bilinear Interpolation = "bilinear"
)

// Frame is a decoded image stored row-major with interleaved channels.
// Pixel (x, y) has its center at integer coordinates.
type Frame struct {
	Width    int
	Height   int
	Channels int
	Pix      []float32
}

// NewFrame allocates a zeroed frame
func NewFrame(width, height, channels int) *Frame {
	return &Frame{
		Width:    width,
		Height:   height,
		Channels: channels,
		Pix:      make([]float32, width*height*channels),
	}
}

// FrameFromImage converts a decoded image to a frame with 1 (gray) or 3 (RGB)
// channels. Values stay in [0, 255].
func FrameFromImage(img image.Image, channels int) (*Frame, error) {
	if channels != 1 && channels != 3 {
		return nil, errors.Newf(errors.ErrorTypeValidation, "frames have 1 or 3 channels, got %d", channels)
	}
	b := img.Bounds()
	f := NewFrame(b.Dx(), b.Dy(), channels)
	for y := 0; y < f.Height; y++ {
		for x := 0; x < f.Width; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := (y*f.Width + x) * channels
			if channels == 1 {
				f.Pix[i] = float32(0.299*float64(r>>8) + 0.587*float64(g>>8) + 0.114*float64(bl>>8))
				continue
			}
			f.Pix[i] = float32(r >> 8)
			f.Pix[i+1] = float32(g >> 8)
			f.Pix[i+2] = float32(bl >> 8)
		}
	}
	return f, nil
}

// At returns channel c of pixel (x, y); out-of-bounds reads are zero
func (f *Frame) At(x, y, c int) float32 {
	if x < 0 || y < 0 || x >= f.Width || y >= f.Height {
		return 0
	}
	return f.Pix[(y*f.Width+x)*f.Channels+c]
}

// Set writes channel c of pixel (x, y)
func (f *Frame) Set(x, y, c int, v float32) {
	f.Pix[(y*f.Width+x)*f.Channels+c] = v
}

// Inside reports whether (x, y) falls within the pixel-center hull
func (f *Frame) Inside(x, y float64) bool {
	return x >= 0 && y >= 0 && x <= float64(f.Width-1) && y <= float64(f.Height-1)
}

// Sample reads channel c at the sub-pixel position (x, y). Positions outside
// the image return zero.
func (f *Frame) Sample(x, y float64, c int, interp Interpolation) float32 {
	if !f.Inside(x, y) {
		return 0
	}
	if interp == Nearest {
		return f.At(int(math.Round(x)), int(math.Round(y)), c)
	}

	x0, y0 := int(math.Floor(x)), int(math.Floor(y))
	dx, dy := float32(x-float64(x0)), float32(y-float64(y0))
	x1, y1 := x0+1, y0+1
	if x1 >= f.Width {
		x1 = x0
	}
	if y1 >= f.Height {
		y1 = y0
	}

	top := f.At(x0, y0, c)*(1-dx) + f.At(x1, y0, c)*dx
	bottom := f.At(x0, y1, c)*(1-dx) + f.At(x1, y1, c)*dx
	return top*(1-dy) + bottom*dy
}
