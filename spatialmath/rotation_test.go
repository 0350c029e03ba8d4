package spatialmath

import (
	"math"
	"testing"

	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// a 45 degree rotation around the x axis in quaternion and axis-angle representations.
var (
	th    = math.Pi / 4.
	q45x  = quat.Number{Real: math.Cos(th / 2.), Imag: math.Sin(th / 2.)}
	aa45x = &R4AA{th, 1., 0., 0.}
)

func TestAxisAngleRoundTrip(t *testing.T) {
	q := (&R4AA{th, 1, 0, 0}).ToQuat()
	test.That(t, q.Real, test.ShouldAlmostEqual, q45x.Real)
	test.That(t, q.Imag, test.ShouldAlmostEqual, q45x.Imag)

	r := RotationMatrixFromAxisAngle(&R4AA{th, 1, 0, 0})
	test.That(t, CheckRotation(r), test.ShouldBeNil)
	test.That(t, r.At(1, 1), test.ShouldAlmostEqual, math.Cos(th))
	test.That(t, r.At(2, 1), test.ShouldAlmostEqual, math.Sin(th))

	aa := AxisAngleFromRotationMatrix(r)
	test.That(t, aa.Theta, test.ShouldAlmostEqual, aa45x.Theta)
	test.That(t, aa.RX, test.ShouldAlmostEqual, aa45x.RX)
	test.That(t, aa.RY, test.ShouldAlmostEqual, aa45x.RY)
	test.That(t, aa.RZ, test.ShouldAlmostEqual, aa45x.RZ)

	// every branch of the quaternion extraction
	for _, aa := range []*R4AA{
		{0.3, 0, 0, 1},
		{3.0, 1, 0, 0},
		{3.0, 0, 1, 0},
		{3.0, 0, 0, 1},
		{2.0, 1, 1, 1},
	} {
		want := &R4AA{aa.Theta, aa.RX, aa.RY, aa.RZ}
		want.Normalize()
		got := AxisAngleFromRotationMatrix(RotationMatrixFromAxisAngle(aa))
		test.That(t, got.Theta, test.ShouldAlmostEqual, want.Theta)
		test.That(t, got.RX, test.ShouldAlmostEqual, want.RX)
		test.That(t, got.RY, test.ShouldAlmostEqual, want.RY)
		test.That(t, got.RZ, test.ShouldAlmostEqual, want.RZ)
	}

	test.That(t, R3ToR4(aa45x.ToR3()).Theta, test.ShouldAlmostEqual, th)
	test.That(t, R3ToR4(aa45x.ToR3().Mul(0)), test.ShouldResemble, NewR4AA())
}

func TestOrthonormalize(t *testing.T) {
	r := RotationMatrixFromAxisAngle(&R4AA{0.7, 0.2, 1, -0.4})
	noisy := mat.DenseCopyOf(r)
	noisy.Set(0, 1, noisy.At(0, 1)+1e-3)
	noisy.Set(2, 2, noisy.At(2, 2)-2e-3)
	test.That(t, CheckRotation(noisy), test.ShouldNotBeNil)

	fixed, err := Orthonormalize(noisy)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, CheckRotation(fixed), test.ShouldBeNil)
	test.That(t, AngleBetween(r, fixed), test.ShouldBeLessThan, 5e-3)

	// a reflection is pulled back to a proper rotation
	reflection := mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, -1})
	fixed, err = Orthonormalize(reflection)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, mat.Det(fixed), test.ShouldAlmostEqual, 1.)

	test.That(t, CheckRotation(mat.NewDense(2, 2, nil)), test.ShouldNotBeNil)
}

func TestAngleBetween(t *testing.T) {
	r1 := RotationMatrixFromAxisAngle(&R4AA{0.2, 0, 1, 0})
	r2 := RotationMatrixFromAxisAngle(&R4AA{0.5, 0, 1, 0})
	test.That(t, AngleBetween(r1, r2), test.ShouldAlmostEqual, 0.3)
	test.That(t, AngleBetween(r1, r1), test.ShouldBeLessThan, 1e-6)
}
