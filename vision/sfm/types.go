package sfm

import (
	"fmt"
	"image/color"
	"time"

	"github.com/golang/geo/r3"

	"github.com/ift6142/ringsfm/rimage"
	"github.com/ift6142/ringsfm/rimage/transform"
)

// View is one photograph of the ring. Pose is optional and maps world coordinates into the camera
// frame; Intrinsics are required to triangulate any pair the view takes part in.
type View struct {
	Image      *rimage.Image
	Intrinsics *transform.PinholeCameraIntrinsics
	Pose       *transform.CameraPose
}

// Observation identifies keypoint Keypoint of view View.
type Observation struct {
	View     int
	Keypoint int
}

func (o Observation) less(other Observation) bool {
	if o.View != other.View {
		return o.View < other.View
	}
	return o.Keypoint < other.Keypoint
}

// Point3D is a reconstructed world point with the observations it was triangulated from.
type Point3D struct {
	Position      r3.Vector
	Color         color.NRGBA
	HasColor      bool
	LowConfidence bool
	// Provenance is sorted and free of duplicates.
	Provenance []Observation
}

// ViewPair is an ordered pair of view indices processed together.
type ViewPair struct {
	First  int
	Second int
}

func (vp ViewPair) String() string {
	return fmt.Sprintf("(%d,%d)", vp.First, vp.Second)
}

// PairDiagnostics describes what happened to a view pair during a run.
type PairDiagnostics struct {
	Pair ViewPair
	// KnownPoses is set when both views came with a pose and the matches were checked against it.
	KnownPoses    bool
	Matches       int
	Inliers       int
	Iterations    int
	Triangulated  int
	Degenerate    int
	LowConfidence int

	ReprojectionErrors []float64
	ReprojectionMean   float64
	ReprojectionMedian float64
	ReprojectionMax    float64

	// RotationDiscrepancyDegrees compares provided poses with an estimate when pose validation is
	// enabled. It is negative when no comparison was made.
	RotationDiscrepancyDegrees float64

	Duration time.Duration
	Err      error
}

// Failed returns whether the pair produced no usable geometry or points.
func (d *PairDiagnostics) Failed() bool {
	return d.Err != nil
}

// FailureReason returns the error message of a failed pair, or the empty string.
func (d *PairDiagnostics) FailureReason() string {
	if d.Err == nil {
		return ""
	}
	return d.Err.Error()
}

// ReconstructionResult is a read only snapshot of a run.
type ReconstructionResult struct {
	RunID       string
	State       State
	Points      []Point3D
	Pairs       []PairDiagnostics
	FailedPairs []ViewPair
	// Poses holds the provided or resolved world to camera pose of every view, nil when unknown.
	Poses []*transform.CameraPose
}

// CameraCenters returns the world position of every view with a known pose, in view order.
func (r *ReconstructionResult) CameraCenters() []r3.Vector {
	centers := make([]r3.Vector, 0, len(r.Poses))
	for _, pose := range r.Poses {
		if pose != nil {
			centers = append(centers, pose.Center())
		}
	}
	return centers
}
