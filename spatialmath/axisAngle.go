package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// R4AA is a rotation of Theta radians around the axis (RX, RY, RZ).
type R4AA struct {
	Theta float64 `json:"th"`
	RX    float64 `json:"x"`
	RY    float64 `json:"y"`
	RZ    float64 `json:"z"`
}

// NewR4AA returns the identity rotation, around +z.
func NewR4AA() *R4AA {
	return &R4AA{RZ: 1}
}

// ToR3 returns the rotation vector: the axis scaled by the angle.
func (r4 *R4AA) ToR3() r3.Vector {
	return r3.Vector{X: r4.RX, Y: r4.RY, Z: r4.RZ}.Mul(r4.Theta)
}

// ToQuat returns the unit quaternion of the rotation. The axis is normalized in place.
func (r4 *R4AA) ToQuat() quat.Number {
	if r4.Theta == 0 {
		return quat.Number{Real: 1}
	}
	r4.Normalize()
	half := r4.Theta / 2
	s := math.Sin(half)
	return quat.Number{Real: math.Cos(half), Imag: r4.RX * s, Jmag: r4.RY * s, Kmag: r4.RZ * s}
}

// Normalize puts the axis on the unit sphere. It panics on a zero axis.
func (r4 *R4AA) Normalize() {
	norm := r3.Vector{X: r4.RX, Y: r4.RY, Z: r4.RZ}.Norm()
	if norm == 0 {
		panic("cannot normalize R4AA with a zero axis")
	}
	r4.RX /= norm
	r4.RY /= norm
	r4.RZ /= norm
}

// R3ToR4 converts a rotation vector into an axis and angle.
func R3ToR4(aa r3.Vector) *R4AA {
	theta := aa.Norm()
	if theta == 0 {
		return NewR4AA()
	}
	axis := aa.Mul(1 / theta)
	return &R4AA{Theta: theta, RX: axis.X, RY: axis.Y, RZ: axis.Z}
}

// QuatToR4AA converts a unit quaternion into an axis and a non negative angle.
func QuatToR4AA(q quat.Number) *R4AA {
	imag := r3.Vector{X: q.Imag, Y: q.Jmag, Z: q.Kmag}
	sinHalf := imag.Norm()
	if sinHalf < 1e-12 {
		return NewR4AA()
	}
	// q and -q are the same rotation; pick the one with a non negative real part
	if q.Real < 0 {
		imag = imag.Mul(-1)
	}
	axis := imag.Mul(1 / sinHalf)
	return &R4AA{Theta: 2 * math.Atan2(sinHalf, math.Abs(q.Real)), RX: axis.X, RY: axis.Y, RZ: axis.Z}
}
