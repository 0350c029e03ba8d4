package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// rankTolerance is the smallest s[7]/s[0] ratio of the eight point system considered full rank.
const rankTolerance = 1e-8

// GetEssentialMatrixFromFundamental returns the essential matrix from the fundamental matrix and intrinsics
// parameters, with its singular values forced to (1, 1, 0).
func GetEssentialMatrixFromFundamental(k1, k2, f *mat.Dense) (*mat.Dense, error) {
	var essMat, tmp mat.Dense
	tmp.Mul(k2.T(), f)
	essMat.Mul(&tmp, k1)
	mats := performSVD(&essMat)
	if mats == nil {
		return nil, errors.New("failed to factorize essential matrix")
	}
	s := eye(3)
	s.Set(2, 2, 0)
	essMat.Mul(mats.U, s)
	essMat.Mul(&essMat, mats.VT)
	return &essMat, nil
}

// DecomposeEssentialMatrix decomposes the Essential matrix into 2 possible 3D rotations and a unit 3D translation.
func DecomposeEssentialMatrix(essMat *mat.Dense) (*mat.Dense, *mat.Dense, r3.Vector, error) {
	mats := performSVD(essMat)
	if mats == nil {
		return nil, nil, r3.Vector{}, errors.New("failed to factorize essential matrix")
	}
	// check determinant sign of U and V
	if mat.Det(mats.U) < 0 {
		mats.U.Scale(-1, mats.U)
	}
	if mat.Det(mats.VT) < 0 {
		mats.VT.Scale(-1, mats.VT)
	}
	w := mat.NewDense(3, 3, nil)
	w.Set(0, 1, 1)
	w.Set(1, 0, -1)
	w.Set(2, 2, 1)
	var r1, r2 mat.Dense
	// UWV^T
	r1.Mul(mats.U, w)
	r1.Mul(&r1, mats.VT)
	// UW^TV^T
	r2.Mul(mats.U, w.T())
	r2.Mul(&r2, mats.VT)
	u3 := mats.U.ColView(2)
	t := r3.Vector{X: u3.AtVec(0), Y: u3.AtVec(1), Z: u3.AtVec(2)}
	return &r1, &r2, t.Normalize(), nil
}

// Convert2DPointsToHomogeneousPoints converts float64 image coordinates to homogeneous float64 coordinates.
func Convert2DPointsToHomogeneousPoints(pts []r2.Point) []r3.Vector {
	ptsHomogeneous := make([]r3.Vector, len(pts))
	for i, pt := range pts {
		ptsHomogeneous[i] = r3.Vector{X: pt.X, Y: pt.Y, Z: 1}
	}
	return ptsHomogeneous
}

// ComputeFundamentalMatrixAllPoints compute the fundamental matrix x2^T F x1 = 0 from all points
// with the normalized eight point algorithm. F is scaled to unit Frobenius norm.
func ComputeFundamentalMatrixAllPoints(pts1, pts2 []r2.Point) (*mat.Dense, error) {
	if len(pts1) != len(pts2) {
		return nil, errors.New("sets of points pts1 and pts2 must have the same number of elements")
	}
	if len(pts1) < MinimalSampleSize {
		return nil, NewInsufficientCorrespondencesError(len(pts1), false)
	}
	f, ok := fitFundamental(pts1, pts2)
	if !ok {
		return nil, &DegenerateGeometryError{Reason: "correspondences do not constrain a unique fundamental matrix"}
	}
	return f, nil
}

// fitFundamental returns false when the points are rank deficient.
func fitFundamental(pts1, pts2 []r2.Point) (*mat.Dense, bool) {
	points1, t1, ok := normalizePoints(pts1)
	if !ok {
		return nil, false
	}
	points2, t2, ok := normalizePoints(pts2)
	if !ok {
		return nil, false
	}

	m := mat.NewDense(len(points1), 9, nil)
	for i := range points1 {
		v1 := points1[i]
		v2 := points2[i]
		m.SetRow(i, []float64{
			v2.X * v1.X, v2.X * v1.Y, v2.X,
			v2.Y * v1.X, v2.Y * v1.Y, v2.Y,
			v1.X, v1.Y, 1,
		})
	}

	mats1 := performSVD(m)
	if mats1 == nil {
		return nil, false
	}
	sv := mats1.Values
	if sv[0] == 0 || sv[MinimalSampleSize-1]/sv[0] < rankTolerance {
		return nil, false
	}
	lastColV := mats1.V.ColView(8)
	fData := make([]float64, 9)
	for i := range fData {
		fData[i] = lastColV.AtVec(i)
	}
	f := mat.NewDense(3, 3, fData)

	// enforce rank 2 of F
	mats2 := performSVD(f)
	if mats2 == nil {
		return nil, false
	}
	s := mats2.S
	s.Set(2, 2, 0)
	var fhat mat.Dense
	fhat.Mul(mats2.U, s)
	f.Mul(&fhat, mats2.VT)
	// rescale F: T2^T @ F @ T1
	f.Mul(t2.T(), f)
	f.Mul(f, t1)

	norm := mat.Norm(f, 2)
	if norm == 0 {
		return nil, false
	}
	f.Scale(1/norm, f)
	return f, true
}

// SampsonError returns the first order geometric distance, in pixels, of a correspondence to the
// epipolar geometry of f.
func SampsonError(f mat.Matrix, p1, p2 r2.Point) float64 {
	fx1 := rotate(f, r3.Vector{X: p1.X, Y: p1.Y, Z: 1})
	ftx2 := rotate(f.T(), r3.Vector{X: p2.X, Y: p2.Y, Z: 1})
	num := p2.X*fx1.X + p2.Y*fx1.Y + fx1.Z
	den := fx1.X*fx1.X + fx1.Y*fx1.Y + ftx2.X*ftx2.X + ftx2.Y*ftx2.Y
	if den == 0 {
		return math.Inf(1)
	}
	return math.Abs(num) / math.Sqrt(den)
}

// ScoreWithKnownPoses returns the indices of the correspondences within threshold pixels of the
// epipolar geometry f.
func ScoreWithKnownPoses(pts1, pts2 []r2.Point, f mat.Matrix, threshold float64) []int {
	inliers := make([]int, 0, len(pts1))
	for i := range pts1 {
		if SampsonError(f, pts1[i], pts2[i]) <= threshold {
			inliers = append(inliers, i)
		}
	}
	return inliers
}

// FundamentalFromPoses returns the fundamental matrix relating two calibrated cameras with known
// poses: F = K2^-T [t]x R K1^-1 for the relative pose (R, t).
func FundamentalFromPoses(k1 *PinholeCameraIntrinsics, pose1 *CameraPose,
	k2 *PinholeCameraIntrinsics, pose2 *CameraPose,
) (*mat.Dense, error) {
	if err := k1.CheckValid(); err != nil {
		return nil, err
	}
	if err := k2.CheckValid(); err != nil {
		return nil, err
	}
	if pose1 == nil || pose2 == nil {
		return nil, errors.New("both camera poses are required")
	}
	rel := RelativePose(pose1, pose2)
	if rel.Translation.Norm() < 1e-12 {
		return nil, &DegenerateGeometryError{Reason: "cameras share the same center"}
	}
	var e, f mat.Dense
	e.Mul(getCrossProductMatFromPoint(rel.Translation), rel.Rotation)
	f.Mul(k2.GetInverseCameraMatrix().T(), &e)
	f.Mul(&f, k1.GetInverseCameraMatrix())
	f.Scale(1/mat.Norm(&f, 2), &f)
	return &f, nil
}

// helpers
// normalizePoints normalizes points as described in Multiple View Geometry, Alg 11.1.
// It returns false when all points coincide.
func normalizePoints(pts []r2.Point) ([]r2.Point, *mat.Dense, bool) {
	nPoints := len(pts)
	mu := r2.Point{}
	for _, pt := range pts {
		mu = mu.Add(pt)
	}
	mu = mu.Mul(1. / float64(nPoints))
	d := 0.0
	for _, pt := range pts {
		d += pt.Sub(mu).Norm() / float64(nPoints)
	}
	if d < 1e-12 {
		return nil, nil, false
	}
	scale := math.Sqrt(2) / d
	transform := mat.NewDense(3, 3, []float64{
		scale, 0, -scale * mu.X,
		0, scale, -scale * mu.Y,
		0, 0, 1,
	})
	pointsTransformed := make([]r2.Point, nPoints)
	for i := range pointsTransformed {
		pointsTransformed[i] = pts[i].Sub(mu).Mul(scale)
	}
	return pointsTransformed, transform, true
}

// eye create an identity matrix of size nxn.
func eye(n int) *mat.Dense {
	if n <= 0 {
		return nil
	}
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// matsSVD stores the matrices from SVD decomposition.
type matsSVD struct {
	U      *mat.Dense
	V      *mat.Dense
	VT     *mat.Dense
	S      *mat.Dense
	Values []float64
}

// performSVD performs SVD on inputMatrix and returns matrices U, Sigma and V from the decomposition,
// or nil if the factorization failed.
func performSVD(inputMatrix mat.Matrix) *matsSVD {
	var svd mat.SVD
	if ok := svd.Factorize(inputMatrix, mat.SVDFull); !ok {
		return nil
	}
	u, v, sigma, vt := &mat.Dense{}, &mat.Dense{}, &mat.Dense{}, &mat.Dense{}
	svd.UTo(u)
	svd.VTo(v)
	vt.CloneFrom(v.T())
	singularValues := svd.Values(nil)
	sigma.CloneFrom(mat.NewDiagDense(len(singularValues), singularValues))
	return &matsSVD{u, v, vt, sigma, singularValues}
}
