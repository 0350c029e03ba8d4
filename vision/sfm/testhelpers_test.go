package sfm

import (
	"image/color"
	"math"
	"math/rand"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"github.com/ift6142/ringsfm/rimage"
	"github.com/ift6142/ringsfm/rimage/transform"
	"github.com/ift6142/ringsfm/spatialmath"
	"github.com/ift6142/ringsfm/vision/keypoints"
)

var testColor = color.RGBA{200, 120, 40, 255}

func testIntrinsics() *transform.PinholeCameraIntrinsics {
	return &transform.PinholeCameraIntrinsics{Width: 640, Height: 480, Fx: 500, Fy: 500, Ppx: 320, Ppy: 240}
}

func solidImage(t *testing.T, c color.RGBA) *rimage.Image {
	t.Helper()
	const w, h = 64, 48
	pix := make([]uint8, 0, w*h*3)
	for i := 0; i < w*h; i++ {
		pix = append(pix, c.R, c.G, c.B)
	}
	img, err := rimage.NewImage(w, h, rimage.FormatRGB8, pix)
	test.That(t, err, test.ShouldBeNil)
	return img
}

type projectedCamera struct {
	pose *transform.CameraPose
	k    *transform.PinholeCameraIntrinsics
}

// projectionExtractor "detects" the known scene points visible from the camera an image was
// registered with. Descriptor i is the one hot encoding of scene point i, so matching is exact.
type projectionExtractor struct {
	points  []r3.Vector
	cameras map[*rimage.Image]projectedCamera
}

func newProjectionExtractor(points []r3.Vector) *projectionExtractor {
	return &projectionExtractor{points: points, cameras: map[*rimage.Image]projectedCamera{}}
}

func (pe *projectionExtractor) register(img *rimage.Image, pose *transform.CameraPose, k *transform.PinholeCameraIntrinsics) {
	pe.cameras[img] = projectedCamera{pose: pose, k: k}
}

func (pe *projectionExtractor) DescriptorSize() int {
	return len(pe.points)
}

func (pe *projectionExtractor) Extract(img *rimage.Image) (*keypoints.Features, error) {
	cam, ok := pe.cameras[img]
	if !ok {
		return nil, errors.New("unknown image")
	}
	feats := &keypoints.Features{}
	for i, pt := range pe.points {
		px, inFront := cam.k.PointToPixel(cam.pose.TransformPoint(pt))
		if !inFront || px.X < 0 || px.Y < 0 || px.X >= float64(cam.k.Width) || px.Y >= float64(cam.k.Height) {
			continue
		}
		desc := make(keypoints.Descriptor, len(pe.points))
		desc[i] = 1
		feats.Keypoints = append(feats.Keypoints, keypoints.Keypoint{Point: px, Scale: 1, Response: 1})
		feats.Descriptors = append(feats.Descriptors, desc)
	}
	return feats, nil
}

func cubeCorners() []r3.Vector {
	var corners []r3.Vector
	for _, x := range []float64{-1, 1} {
		for _, y := range []float64{-1, 1} {
			for _, z := range []float64{-1, 1} {
				corners = append(corners, r3.Vector{X: x, Y: y, Z: z})
			}
		}
	}
	return corners
}

// ringPose returns a camera on a circle of the given radius around the y axis looking at the
// origin; angle 0 is at (0, 0, -radius).
func ringPose(angle, radius float64) *transform.CameraPose {
	center := r3.Vector{X: -radius * math.Sin(angle), Y: 0, Z: -radius * math.Cos(angle)}
	return transform.NewCameraPoseFromCenter(&spatialmath.R4AA{Theta: angle, RX: 0, RY: 1, RZ: 0}, center)
}

// ringScene builds n views on a ring around the scene points. Poses are only attached to the
// views when withPoses is set.
func ringScene(t *testing.T, points []r3.Vector, poses []*transform.CameraPose, withPoses bool) ([]View, *projectionExtractor) {
	t.Helper()
	extractor := newProjectionExtractor(points)
	views := make([]View, len(poses))
	for i, pose := range poses {
		img := solidImage(t, testColor)
		k := testIntrinsics()
		extractor.register(img, pose, k)
		views[i] = View{Image: img, Intrinsics: k}
		if withPoses {
			views[i].Pose = pose
		}
	}
	return views, extractor
}

func cubeRingPoses(n int) []*transform.CameraPose {
	poses := make([]*transform.CameraPose, n)
	for i := range poses {
		poses[i] = ringPose(2*math.Pi*float64(i)/float64(n), 6)
	}
	return poses
}

func randomScene(seed int64, n int) []r3.Vector {
	rng := rand.New(rand.NewSource(seed))
	pts := make([]r3.Vector, n)
	for i := range pts {
		pts[i] = r3.Vector{X: rng.Float64()*2 - 1, Y: rng.Float64()*2 - 1, Z: 4 + rng.Float64()*4}
	}
	return pts
}

// stereoPoses is an identity camera and a camera one unit to its right turned 10 degrees
// towards the scene.
func stereoPoses() []*transform.CameraPose {
	return []*transform.CameraPose{
		transform.IdentityPose(),
		transform.NewCameraPoseFromCenter(&spatialmath.R4AA{Theta: -0.1745, RX: 0, RY: 1, RZ: 0}, r3.Vector{X: 1}),
	}
}

func testCandidate(pos r3.Vector, low bool, obs ...Observation) candidate {
	return candidate{position: pos, color: testColor, hasColor: true, lowConfidence: low, provenance: obs}
}
