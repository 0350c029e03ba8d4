package rimage

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
)

// PixelFormat is the layout of the bytes backing an Image.
type PixelFormat int

// The supported pixel formats.
const (
	FormatGray8 PixelFormat = iota
	FormatRGB8
)

// Channels returns the number of bytes per pixel.
func (f PixelFormat) Channels() int {
	if f == FormatRGB8 {
		return 3
	}
	return 1
}

func (f PixelFormat) String() string {
	switch f {
	case FormatGray8:
		return "gray8"
	case FormatRGB8:
		return "rgb8"
	default:
		return "unknown"
	}
}

// Image is an immutable 8-bit grayscale or RGB raster. It satisfies image.Image so it can be
// handed to drawing and encoding code directly.
type Image struct {
	pix           []uint8
	width, height int
	format        PixelFormat
}

// NewImage wraps a row-major pixel buffer. The buffer is copied.
func NewImage(width, height int, format PixelFormat, pix []uint8) (*Image, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid image size %dx%d", width, height)
	}
	if format != FormatGray8 && format != FormatRGB8 {
		return nil, errors.Errorf("unknown pixel format %d", format)
	}
	if want := width * height * format.Channels(); len(pix) != want {
		return nil, errors.Errorf("expected %d bytes for %dx%d %s image, got %d", want, width, height, format, len(pix))
	}
	cp := make([]uint8, len(pix))
	copy(cp, pix)
	return &Image{pix: cp, width: width, height: height, format: format}, nil
}

// NewImageFromStdImage converts any image.Image into an RGB Image.
func NewImageFromStdImage(img image.Image) *Image {
	nrgba := imaging.Clone(img)
	bounds := nrgba.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	pix := make([]uint8, 0, w*h*3)
	for y := 0; y < h; y++ {
		row := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+4*w]
		for x := 0; x < w; x++ {
			pix = append(pix, row[4*x], row[4*x+1], row[4*x+2])
		}
	}
	return &Image{pix: pix, width: w, height: h, format: FormatRGB8}
}

// NewGrayImageFromStdImage converts any image.Image into a grayscale Image.
func NewGrayImageFromStdImage(img image.Image) *Image {
	gray := imaging.Grayscale(img)
	bounds := gray.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	pix := make([]uint8, 0, w*h)
	for y := 0; y < h; y++ {
		row := gray.Pix[y*gray.Stride : y*gray.Stride+4*w]
		for x := 0; x < w; x++ {
			pix = append(pix, row[4*x])
		}
	}
	return &Image{pix: pix, width: w, height: h, format: FormatGray8}
}

// Width returns the width of the image in pixels.
func (i *Image) Width() int {
	return i.width
}

// Height returns the height of the image in pixels.
func (i *Image) Height() int {
	return i.height
}

// Format returns the pixel layout.
func (i *Image) Format() PixelFormat {
	return i.format
}

// In returns whether (x, y) is inside the image.
func (i *Image) In(x, y int) bool {
	return x >= 0 && y >= 0 && x < i.width && y < i.height
}

// Bounds returns the image bounds.
func (i *Image) Bounds() image.Rectangle {
	return image.Rect(0, 0, i.width, i.height)
}

// ColorModel returns the model of the colors returned by At.
func (i *Image) ColorModel() color.Model {
	return color.RGBAModel
}

// At returns the color of the pixel at (x, y).
func (i *Image) At(x, y int) color.Color {
	if !i.In(x, y) {
		return color.RGBA{}
	}
	return i.RGBAt(x, y)
}

// RGBAt returns the opaque color at (x, y). Gray images return equal channels.
// The caller must ensure (x, y) is in bounds.
func (i *Image) RGBAt(x, y int) color.RGBA {
	k := (y*i.width + x) * i.format.Channels()
	if i.format == FormatGray8 {
		v := i.pix[k]
		return color.RGBA{v, v, v, 255}
	}
	return color.RGBA{i.pix[k], i.pix[k+1], i.pix[k+2], 255}
}

// ClampedRGBAt returns the color at the pixel nearest to (x, y), clamped to the image.
func (i *Image) ClampedRGBAt(x, y float64) color.RGBA {
	px := clampInt(int(x+0.5), 0, i.width-1)
	py := clampInt(int(y+0.5), 0, i.height-1)
	return i.RGBAt(px, py)
}

// ToGrayFloat returns the luminance of the image scaled to [0, 1].
func (i *Image) ToGrayFloat() *FloatImage {
	out := NewFloatImage(i.width, i.height)
	if i.format == FormatGray8 {
		for k, v := range i.pix {
			out.data[k] = float64(v) / 255.
		}
		return out
	}
	for k := range out.data {
		r, g, b := float64(i.pix[3*k]), float64(i.pix[3*k+1]), float64(i.pix[3*k+2])
		out.data[k] = (0.299*r + 0.587*g + 0.114*b) / 255.
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
