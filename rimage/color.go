package rimage

import (
	"image/color"

	"github.com/lucasb-eyer/go-colorful"
)

// AverageColor averages colors in linear RGB space. An empty slice returns black.
func AverageColor(colors []color.RGBA) color.RGBA {
	if len(colors) == 0 {
		return color.RGBA{A: 255}
	}
	var r, g, b float64
	for _, c := range colors {
		lr, lg, lb := colorful.Color{R: float64(c.R) / 255, G: float64(c.G) / 255, B: float64(c.B) / 255}.LinearRgb()
		r += lr
		g += lg
		b += lb
	}
	n := float64(len(colors))
	avg := colorful.LinearRgb(r/n, g/n, b/n).Clamped()
	cr, cg, cb := avg.RGB255()
	return color.RGBA{cr, cg, cb, 255}
}
