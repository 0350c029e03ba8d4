package transform

import (
	"math/rand"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"

	"github.com/ift6142/ringsfm/spatialmath"
)

func testIntrinsics() *PinholeCameraIntrinsics {
	return &PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240}
}

// testStereoRig returns a camera at the origin and a second camera one unit to the right,
// turned 10 degrees toward the scene.
func testStereoRig() (*CameraPose, *CameraPose) {
	cam1 := IdentityPose()
	cam2 := NewCameraPoseFromCenter(&spatialmath.R4AA{Theta: -0.1745, RX: 0, RY: 1, RZ: 0}, r3.Vector{X: 1})
	return cam1, cam2
}

func randomScene(rng *rand.Rand, n int) []r3.Vector {
	pts := make([]r3.Vector, n)
	for i := range pts {
		pts[i] = r3.Vector{X: rng.Float64()*4 - 2, Y: rng.Float64()*3 - 1.5, Z: 5 + rng.Float64()*3}
	}
	return pts
}

func projectAll(k *PinholeCameraIntrinsics, pose *CameraPose, pts []r3.Vector) []r2.Point {
	out := make([]r2.Point, len(pts))
	for i, p := range pts {
		out[i], _ = k.PointToPixel(pose.TransformPoint(p))
	}
	return out
}
