package rimage

import (
	"math"

	"github.com/ift6142/ringsfm/utils"
)

// GaussianFunction1D takes in a sigma and returns a gaussian function useful for weighing averages or blurring.
func GaussianFunction1D(sigma float64) func(p float64) float64 {
	if sigma <= 0. {
		return func(p float64) float64 {
			return 1.
		}
	}
	return func(p float64) float64 {
		return math.Exp(-0.5*math.Pow(p, 2)/math.Pow(sigma, 2)) / (sigma * math.Sqrt(2.*math.Pi))
	}
}

// GaussianKernel1D returns an odd length, unit sum gaussian kernel covering 4 sigma on either side.
func GaussianKernel1D(sigma float64) []float64 {
	gaus := GaussianFunction1D(sigma)
	half := utils.MaxInt(1, int(math.Ceil(4.*sigma)))
	kernel := make([]float64, 2*half+1)
	sum := 0.
	for i := range kernel {
		kernel[i] = gaus(float64(i - half))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}
