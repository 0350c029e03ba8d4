package spatialmath

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"
)

// orthonormalTolerance bounds |R^T R - I| and |det R - 1| for a matrix to count as a rotation.
const orthonormalTolerance = 1e-6

// CheckRotation returns an error if r is not a 3x3 orthonormal matrix with determinant +1.
func CheckRotation(r mat.Matrix) error {
	rows, cols := r.Dims()
	if rows != 3 || cols != 3 {
		return errors.Errorf("rotation must be 3x3, got %dx%d", rows, cols)
	}
	var rtr mat.Dense
	rtr.Mul(r.T(), r)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			want := 0.
			if i == j {
				want = 1
			}
			if math.Abs(rtr.At(i, j)-want) > orthonormalTolerance {
				return errors.Errorf("rotation is not orthonormal (R^T R at %d,%d = %f)", i, j, rtr.At(i, j))
			}
		}
	}
	if det := mat.Det(r); math.Abs(det-1) > orthonormalTolerance {
		return errors.Errorf("rotation determinant is %f, not 1", det)
	}
	return nil
}

// Orthonormalize returns the rotation closest to m in the Frobenius norm (U V^T from the SVD of m,
// with the sign of the last column of U flipped if needed so the determinant is +1).
func Orthonormalize(m mat.Matrix) (*mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDFull); !ok {
		return nil, errors.New("failed to factorize rotation")
	}
	var u, v, r mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	r.Mul(&u, v.T())
	if mat.Det(&r) < 0 {
		for i := 0; i < 3; i++ {
			u.Set(i, 2, -u.At(i, 2))
		}
		r.Mul(&u, v.T())
	}
	return &r, nil
}

// RotationMatrixFromQuat returns the 3x3 rotation matrix of a unit quaternion.
func RotationMatrixFromQuat(q quat.Number) *mat.Dense {
	n := quat.Abs(q)
	w, x, y, z := q.Real/n, q.Imag/n, q.Jmag/n, q.Kmag/n
	return mat.NewDense(3, 3, []float64{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	})
}

// RotationMatrixFromAxisAngle returns the rotation of theta radians around the given axis.
func RotationMatrixFromAxisAngle(aa *R4AA) *mat.Dense {
	return RotationMatrixFromQuat(aa.ToQuat())
}

// QuatFromRotationMatrix converts a rotation matrix to a unit quaternion with a non-negative real part.
func QuatFromRotationMatrix(r mat.Matrix) quat.Number {
	m00, m01, m02 := r.At(0, 0), r.At(0, 1), r.At(0, 2)
	m10, m11, m12 := r.At(1, 0), r.At(1, 1), r.At(1, 2)
	m20, m21, m22 := r.At(2, 0), r.At(2, 1), r.At(2, 2)

	var q quat.Number
	// Shepperd's method: pick the largest diagonal term for the square root.
	switch trace := m00 + m11 + m22; {
	case trace > 0:
		s := 0.5 / math.Sqrt(trace+1)
		q = quat.Number{Real: 0.25 / s, Imag: (m21 - m12) * s, Jmag: (m02 - m20) * s, Kmag: (m10 - m01) * s}
	case m00 > m11 && m00 > m22:
		s := 2 * math.Sqrt(1+m00-m11-m22)
		q = quat.Number{Real: (m21 - m12) / s, Imag: 0.25 * s, Jmag: (m01 + m10) / s, Kmag: (m02 + m20) / s}
	case m11 > m22:
		s := 2 * math.Sqrt(1+m11-m00-m22)
		q = quat.Number{Real: (m02 - m20) / s, Imag: (m01 + m10) / s, Jmag: 0.25 * s, Kmag: (m12 + m21) / s}
	default:
		s := 2 * math.Sqrt(1+m22-m00-m11)
		q = quat.Number{Real: (m10 - m01) / s, Imag: (m02 + m20) / s, Jmag: (m12 + m21) / s, Kmag: 0.25 * s}
	}
	if q.Real < 0 {
		q = quat.Scale(-1, q)
	}
	return quat.Scale(1/quat.Abs(q), q)
}

// AxisAngleFromRotationMatrix returns the axis angle representation of a rotation matrix.
func AxisAngleFromRotationMatrix(r mat.Matrix) *R4AA {
	return QuatToR4AA(QuatFromRotationMatrix(r))
}

// AngleBetween returns the angle in radians of the rotation taking r1 to r2, i.e. of r1^T r2.
func AngleBetween(r1, r2 mat.Matrix) float64 {
	var rel mat.Dense
	rel.Mul(r1.T(), r2)
	cos := (mat.Trace(&rel) - 1) / 2
	return math.Acos(math.Max(-1, math.Min(1, cos)))
}
