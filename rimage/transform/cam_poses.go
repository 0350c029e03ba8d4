package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/ift6142/ringsfm/spatialmath"
	"github.com/ift6142/ringsfm/utils"
)

// CameraPose is a world to camera rigid transform: x_cam = Rotation * x_world + Translation.
type CameraPose struct {
	Rotation    *mat.Dense
	Translation r3.Vector
}

// NewCameraPose creates a pose from a 3x3 rotation and a translation. The rotation is
// re-projected onto the closest orthonormal matrix.
func NewCameraPose(rotation mat.Matrix, translation r3.Vector) (*CameraPose, error) {
	rows, cols := rotation.Dims()
	if rows != 3 || cols != 3 {
		return nil, errors.Errorf("rotation must be 3x3, got %dx%d", rows, cols)
	}
	pose := &CameraPose{Rotation: mat.DenseCopyOf(rotation), Translation: translation}
	if err := pose.Orthonormalize(); err != nil {
		return nil, err
	}
	return pose, nil
}

// NewCameraPoseFromMat creates a camera pose from a 3x4 [R|t] matrix.
func NewCameraPoseFromMat(pose mat.Matrix) (*CameraPose, error) {
	rows, cols := pose.Dims()
	if rows != 3 || cols != 4 {
		return nil, errors.Errorf("pose matrix must be 3x4, got %dx%d", rows, cols)
	}
	rot := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			rot.Set(i, j, pose.At(i, j))
		}
	}
	return NewCameraPose(rot, r3.Vector{X: pose.At(0, 3), Y: pose.At(1, 3), Z: pose.At(2, 3)})
}

// NewCameraPoseFromCenter creates the pose of a camera with the given world orientation (camera to
// world rotation) located at center.
func NewCameraPoseFromCenter(orientation *spatialmath.R4AA, center r3.Vector) *CameraPose {
	rWorld := spatialmath.RotationMatrixFromAxisAngle(orientation)
	var rot mat.Dense
	rot.CloneFrom(rWorld.T())
	return &CameraPose{Rotation: &rot, Translation: rotate(&rot, center).Mul(-1)}
}

// IdentityPose returns the pose of a camera sitting at the world origin.
func IdentityPose() *CameraPose {
	return &CameraPose{Rotation: eye(3)}
}

// Orthonormalize re-projects the rotation onto SO(3).
func (cp *CameraPose) Orthonormalize() error {
	rot, err := spatialmath.Orthonormalize(cp.Rotation)
	if err != nil {
		return err
	}
	cp.Rotation = rot
	return nil
}

// Matrix returns the 3x4 [R|t] matrix.
func (cp *CameraPose) Matrix() *mat.Dense {
	var pose mat.Dense
	pose.Augment(cp.Rotation, mat.NewDense(3, 1, []float64{cp.Translation.X, cp.Translation.Y, cp.Translation.Z}))
	return &pose
}

// ProjectionMatrix returns the 3x4 projection matrix K[R|t]. A nil intrinsics returns [R|t].
func (cp *CameraPose) ProjectionMatrix(k *PinholeCameraIntrinsics) *mat.Dense {
	pose := cp.Matrix()
	if k == nil {
		return pose
	}
	var proj mat.Dense
	proj.Mul(k.GetCameraMatrix(), pose)
	return &proj
}

// Center returns the camera center in world coordinates, -R^T t.
func (cp *CameraPose) Center() r3.Vector {
	return rotate(cp.Rotation.T(), cp.Translation).Mul(-1)
}

// TransformPoint maps a world point into the camera frame.
func (cp *CameraPose) TransformPoint(pt r3.Vector) r3.Vector {
	return rotate(cp.Rotation, pt).Add(cp.Translation)
}

// Compose returns the world to camera pose of a camera whose pose relative to cp is rel.
func (cp *CameraPose) Compose(rel *CameraPose) *CameraPose {
	var rot mat.Dense
	rot.Mul(rel.Rotation, cp.Rotation)
	return &CameraPose{Rotation: &rot, Translation: rotate(rel.Rotation, cp.Translation).Add(rel.Translation)}
}

// RelativePose returns the transform taking camera 1 coordinates to camera 2 coordinates.
func RelativePose(pose1, pose2 *CameraPose) *CameraPose {
	var rot mat.Dense
	rot.Mul(pose2.Rotation, pose1.Rotation.T())
	return &CameraPose{Rotation: &rot, Translation: pose2.Translation.Sub(rotate(&rot, pose1.Translation))}
}

// RotationDiscrepancyDegrees returns the angle between the rotations of two poses in degrees.
func RotationDiscrepancyDegrees(pose1, pose2 *CameraPose) float64 {
	return utils.RadToDeg(spatialmath.AngleBetween(pose1.Rotation, pose2.Rotation))
}

func rotate(rot mat.Matrix, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: rot.At(0, 0)*v.X + rot.At(0, 1)*v.Y + rot.At(0, 2)*v.Z,
		Y: rot.At(1, 0)*v.X + rot.At(1, 1)*v.Y + rot.At(1, 2)*v.Z,
		Z: rot.At(2, 0)*v.X + rot.At(2, 1)*v.Y + rot.At(2, 2)*v.Z,
	}
}

// GetPossibleCameraPoses computes all 4 possible relative poses from the essential matrix.
func GetPossibleCameraPoses(essMat *mat.Dense) ([]*CameraPose, error) {
	r1, r2, t, err := DecomposeEssentialMatrix(essMat)
	if err != nil {
		return nil, err
	}
	poses := make([]*CameraPose, 0, 4)
	for _, rot := range []*mat.Dense{r1, r2} {
		for _, sign := range []float64{1, -1} {
			poses = append(poses, &CameraPose{Rotation: mat.DenseCopyOf(rot), Translation: t.Mul(sign)})
		}
	}
	return poses, nil
}

// getCrossProductMatFromPoint returns the cross product with point p matrix.
func getCrossProductMatFromPoint(p r3.Vector) *mat.Dense {
	cross := mat.NewDense(3, 3, nil)
	cross.Set(0, 1, -p.Z)
	cross.Set(0, 2, p.Y)
	cross.Set(1, 0, p.Z)
	cross.Set(1, 2, -p.X)
	cross.Set(2, 0, -p.Y)
	cross.Set(2, 1, p.X)
	return cross
}

// GetNumberPositiveDepth triangulates normalized correspondences with cameras [I|0] and pose and
// returns how many land in front of both cameras.
func GetNumberPositiveDepth(pose *CameraPose, pts1, pts2 []r2.Point) int {
	p1 := IdentityPose().Matrix()
	p2 := pose.Matrix()
	nPositiveDepth := 0
	for i := range pts1 {
		x, w, err := solveDLT([]*mat.Dense{p1, p2}, []r2.Point{pts1[i], pts2[i]})
		if err != nil || math.Abs(w) < 1e-12 {
			continue
		}
		if x.Z > 0 && pose.TransformPoint(x).Z > 0 {
			nPositiveDepth++
		}
	}
	return nPositiveDepth
}

// GetCorrectCameraPose returns the pose with the most points in front of both cameras, and that count.
func GetCorrectCameraPose(poses []*CameraPose, pts1, pts2 []r2.Point) (*CameraPose, int) {
	maxNumPosDepth := -1
	var correctPose *CameraPose
	for _, pose := range poses {
		if nPosDepth := GetNumberPositiveDepth(pose, pts1, pts2); nPosDepth > maxNumPosDepth {
			maxNumPosDepth = nPosDepth
			correctPose = pose
		}
	}
	return correctPose, maxNumPosDepth
}
