package rimage

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// FloatImage is a single channel image of float64 intensities, used as the working
// representation for scale space construction.
type FloatImage struct {
	data          []float64
	width, height int
}

// NewFloatImage returns a zeroed FloatImage.
func NewFloatImage(width, height int) *FloatImage {
	return &FloatImage{
		data:   make([]float64, width*height),
		width:  width,
		height: height,
	}
}

// NewFloatImageFromDense copies a matrix whose rows are image rows.
func NewFloatImageFromDense(m mat.Matrix) *FloatImage {
	h, w := m.Dims()
	out := NewFloatImage(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.data[y*w+x] = m.At(y, x)
		}
	}
	return out
}

// Width returns the width of the image.
func (f *FloatImage) Width() int {
	return f.width
}

// Height returns the height of the image.
func (f *FloatImage) Height() int {
	return f.height
}

// In returns whether (x, y) is inside the image.
func (f *FloatImage) In(x, y int) bool {
	return x >= 0 && y >= 0 && x < f.width && y < f.height
}

// Get returns the value at (x, y). The caller must ensure (x, y) is in bounds.
func (f *FloatImage) Get(x, y int) float64 {
	return f.data[y*f.width+x]
}

// GetClamped returns the value at (x, y), replicating the border for out of range coordinates.
func (f *FloatImage) GetClamped(x, y int) float64 {
	return f.data[clampInt(y, 0, f.height-1)*f.width+clampInt(x, 0, f.width-1)]
}

// Set sets the value at (x, y).
func (f *FloatImage) Set(x, y int, v float64) {
	f.data[y*f.width+x] = v
}

// Clone returns a deep copy.
func (f *FloatImage) Clone() *FloatImage {
	out := NewFloatImage(f.width, f.height)
	copy(out.data, f.data)
	return out
}

// ToDense returns the image as a height x width matrix.
func (f *FloatImage) ToDense() *mat.Dense {
	return mat.NewDense(f.height, f.width, append([]float64(nil), f.data...))
}

// Subtract returns f - other.
func (f *FloatImage) Subtract(other *FloatImage) (*FloatImage, error) {
	if f.width != other.width || f.height != other.height {
		return nil, errors.Errorf("cannot subtract %dx%d image from %dx%d image",
			other.width, other.height, f.width, f.height)
	}
	out := NewFloatImage(f.width, f.height)
	for k := range f.data {
		out.data[k] = f.data[k] - other.data[k]
	}
	return out, nil
}

// Downsample returns every other pixel in both directions.
func (f *FloatImage) Downsample() *FloatImage {
	w, h := int(math.Max(1, float64(f.width/2))), int(math.Max(1, float64(f.height/2)))
	out := NewFloatImage(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.data[y*w+x] = f.GetClamped(2*x, 2*y)
		}
	}
	return out
}

// GaussianBlur convolves the image with a separable gaussian of the given sigma,
// replicating the border. A non-positive sigma returns a copy.
func (f *FloatImage) GaussianBlur(sigma float64) *FloatImage {
	if sigma <= 0 {
		return f.Clone()
	}
	kernel := GaussianKernel1D(sigma)
	half := len(kernel) / 2
	tmp := NewFloatImage(f.width, f.height)
	for y := 0; y < f.height; y++ {
		for x := 0; x < f.width; x++ {
			v := 0.
			for i, k := range kernel {
				v += k * f.GetClamped(x+i-half, y)
			}
			tmp.data[y*f.width+x] = v
		}
	}
	out := NewFloatImage(f.width, f.height)
	for y := 0; y < f.height; y++ {
		for x := 0; x < f.width; x++ {
			v := 0.
			for i, k := range kernel {
				v += k * tmp.GetClamped(x, y+i-half)
			}
			out.data[y*f.width+x] = v
		}
	}
	return out
}

// Gradient returns the central difference gradient magnitude and direction (radians) at (x, y).
// The caller must ensure (x, y) is in bounds.
func (f *FloatImage) Gradient(x, y int) (float64, float64) {
	dx := f.GetClamped(x+1, y) - f.GetClamped(x-1, y)
	dy := f.GetClamped(x, y+1) - f.GetClamped(x, y-1)
	return math.Hypot(dx, dy), math.Atan2(dy, dx)
}

// Upsample doubles the image size with bilinear interpolation.
func (f *FloatImage) Upsample() *FloatImage {
	w, h := 2*f.width, 2*f.height
	out := NewFloatImage(w, h)
	for y := 0; y < h; y++ {
		sy := float64(y) / 2
		y0 := int(sy)
		fy := sy - float64(y0)
		for x := 0; x < w; x++ {
			sx := float64(x) / 2
			x0 := int(sx)
			fx := sx - float64(x0)
			top := (1-fx)*f.GetClamped(x0, y0) + fx*f.GetClamped(x0+1, y0)
			bottom := (1-fx)*f.GetClamped(x0, y0+1) + fx*f.GetClamped(x0+1, y0+1)
			out.data[y*w+x] = (1-fy)*top + fy*bottom
		}
	}
	return out
}
