package pointcloud

import (
	"image/color"

	"github.com/golang/geo/r3"
)

// NewVector returns the vector (x, y, z).
func NewVector(x, y, z float64) r3.Vector {
	return r3.Vector{X: x, Y: y, Z: z}
}

// PointAndData pairs a position with its payload.
type PointAndData struct {
	P r3.Vector
	D Data
}

// Data is the optional payload of a point: a color, an integer value, both or neither.
// The setters modify the receiver and return it for chaining.
type Data interface {
	HasColor() bool
	// RGB255 returns the color channels; the alpha channel is not stored.
	RGB255() (uint8, uint8, uint8)
	SetColor(c color.NRGBA) Data

	HasValue() bool
	Value() int
	SetValue(v int) Data
}

type basicData struct {
	rgb      [3]uint8
	value    int
	hasColor bool
	hasValue bool
}

// NewBasicData returns an empty payload.
func NewBasicData() Data {
	return &basicData{}
}

// NewColoredData returns a payload holding c.
func NewColoredData(c color.NRGBA) Data {
	return NewBasicData().SetColor(c)
}

// NewValueData returns a payload holding v.
func NewValueData(v int) Data {
	return NewBasicData().SetValue(v)
}

func (bd *basicData) HasColor() bool {
	return bd.hasColor
}

func (bd *basicData) RGB255() (uint8, uint8, uint8) {
	return bd.rgb[0], bd.rgb[1], bd.rgb[2]
}

func (bd *basicData) SetColor(c color.NRGBA) Data {
	bd.rgb = [3]uint8{c.R, c.G, c.B}
	bd.hasColor = true
	return bd
}

func (bd *basicData) HasValue() bool {
	return bd.hasValue
}

func (bd *basicData) Value() int {
	return bd.value
}

func (bd *basicData) SetValue(v int) Data {
	bd.value = v
	bd.hasValue = true
	return bd
}
