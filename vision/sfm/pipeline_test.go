package sfm

import (
	"context"
	"image/color"
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"github.com/ift6142/ringsfm/logging"
	"github.com/ift6142/ringsfm/rimage"
	"github.com/ift6142/ringsfm/rimage/transform"
	"github.com/ift6142/ringsfm/vision/keypoints"
)

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Workers = 2
	return cfg
}

func TestCubeRingReconstruction(t *testing.T) {
	logger := logging.NewTestLogger(t)
	corners := cubeCorners()
	poses := cubeRingPoses(4)
	views, extractor := ringScene(t, corners, poses, true)

	p, err := NewPipeline(testConfig(), logger, WithExtractor(extractor))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, p.State(), test.ShouldEqual, Idle)

	res, err := p.Run(context.Background(), views)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.State, test.ShouldEqual, Done)
	test.That(t, p.State(), test.ShouldEqual, Done)
	test.That(t, res.RunID, test.ShouldEqual, p.RunID())
	test.That(t, res.FailedPairs, test.ShouldBeEmpty)
	test.That(t, res.Pairs, test.ShouldHaveLength, 4)
	for _, d := range res.Pairs {
		test.That(t, d.Err, test.ShouldBeNil)
		test.That(t, d.KnownPoses, test.ShouldBeTrue)
		test.That(t, d.Matches, test.ShouldEqual, 8)
		test.That(t, d.Inliers, test.ShouldEqual, 8)
		test.That(t, d.Triangulated, test.ShouldEqual, 8)
		test.That(t, d.ReprojectionMax, test.ShouldBeLessThan, 1e-6)
		test.That(t, d.RotationDiscrepancyDegrees, test.ShouldBeLessThan, 0.0)
	}

	test.That(t, res.Points, test.ShouldHaveLength, 8)
	for i, pt := range res.Points {
		test.That(t, pt.Position.Sub(corners[i]).Norm(), test.ShouldBeLessThan, 1e-6)
		test.That(t, pt.LowConfidence, test.ShouldBeFalse)
		test.That(t, pt.Provenance, test.ShouldResemble, []Observation{
			{View: 0, Keypoint: i}, {View: 1, Keypoint: i}, {View: 2, Keypoint: i}, {View: 3, Keypoint: i},
		})
		test.That(t, pt.HasColor, test.ShouldBeTrue)
		test.That(t, math.Abs(float64(pt.Color.R)-float64(testColor.R)), test.ShouldBeLessThanOrEqualTo, 1.0)
		test.That(t, math.Abs(float64(pt.Color.B)-float64(testColor.B)), test.ShouldBeLessThanOrEqualTo, 1.0)
	}

	centers := res.CameraCenters()
	test.That(t, centers, test.ShouldHaveLength, 4)
	for i, c := range centers {
		test.That(t, c.Sub(poses[i].Center()).Norm(), test.ShouldBeLessThan, 1e-9)
	}

	pc, err := res.ToPointCloud()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pc.Size(), test.ShouldEqual, 8)
	test.That(t, pc.MetaData().HasColor, test.ShouldBeTrue)

	_, err = p.Run(context.Background(), views)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "only run once")
}

func TestOpenRingKeepsPerPairPoints(t *testing.T) {
	logger := logging.NewTestLogger(t)
	corners := cubeCorners()
	views, extractor := ringScene(t, corners, cubeRingPoses(4), true)
	cfg := testConfig()
	cfg.ClosedRing = false
	cfg.PairSpan = 2

	p, err := NewPipeline(cfg, logger, WithExtractor(extractor))
	test.That(t, err, test.ShouldBeNil)
	res, err := p.Run(context.Background(), views)
	test.That(t, err, test.ShouldBeNil)
	// (0,1) (1,2) (2,3) (0,2) (1,3)
	test.That(t, res.Pairs, test.ShouldHaveLength, 5)
	test.That(t, res.Points, test.ShouldHaveLength, 8)
	for _, pt := range res.Points {
		test.That(t, pt.Provenance, test.ShouldHaveLength, 4)
	}
}

func TestZeroOverlapPairFails(t *testing.T) {
	logger := logging.NewTestLogger(t)
	corners := cubeCorners()
	// the second camera stands where the first one is but looks away from the cube
	poses := []*transform.CameraPose{ringPose(0, 6), ringPose(math.Pi, -6)}
	views, extractor := ringScene(t, corners, poses, true)

	feats, err := extractor.Extract(views[1].Image)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, feats.Len(), test.ShouldEqual, 0)
	matcher, err := keypoints.NewDescriptorMatcher(keypoints.DefaultMatchingConfig())
	test.That(t, err, test.ShouldBeNil)
	front, err := extractor.Extract(views[0].Image)
	test.That(t, err, test.ShouldBeNil)
	matches, err := matcher.Match(front.Descriptors, feats.Descriptors)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, matches, test.ShouldBeEmpty)

	p, err := NewPipeline(testConfig(), logger, WithExtractor(extractor), WithMatcher(matcher))
	test.That(t, err, test.ShouldBeNil)
	res, err := p.Run(context.Background(), views)
	test.That(t, err, test.ShouldNotBeNil)

	var failure *PipelineFailure
	test.That(t, errors.As(err, &failure), test.ShouldBeTrue)
	test.That(t, failure.FailedPairs, test.ShouldResemble, []ViewPair{{0, 1}})
	test.That(t, failure.SuccessRatio, test.ShouldEqual, 0.0)
	var insufficient *transform.InsufficientCorrespondencesError
	test.That(t, errors.As(err, &insufficient), test.ShouldBeTrue)
	test.That(t, insufficient.Have, test.ShouldEqual, 0)

	test.That(t, res, test.ShouldNotBeNil)
	test.That(t, res.State, test.ShouldEqual, Failed)
	test.That(t, res.FailedPairs, test.ShouldResemble, []ViewPair{{0, 1}})
	test.That(t, res.Pairs[0].Matches, test.ShouldEqual, 0)
	test.That(t, res.Points, test.ShouldBeEmpty)
}

func TestPartialFailureWithinPolicy(t *testing.T) {
	logger := logging.NewTestLogger(t)
	corners := cubeCorners()
	views, extractor := ringScene(t, corners, cubeRingPoses(4), true)
	// view 3 has no intrinsics, so pairs (2,3) and (3,0) fail and half of the pairs succeed
	views[3].Intrinsics = nil

	p, err := NewPipeline(testConfig(), logger, WithExtractor(extractor))
	test.That(t, err, test.ShouldBeNil)
	res, err := p.Run(context.Background(), views)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.State, test.ShouldEqual, Done)
	test.That(t, res.FailedPairs, test.ShouldResemble, []ViewPair{{2, 3}, {3, 0}})
	for _, d := range res.Pairs {
		if d.Failed() {
			test.That(t, errors.Is(d.Err, transform.ErrNoIntrinsics), test.ShouldBeTrue)
		}
	}
	test.That(t, res.Points, test.ShouldHaveLength, 8)
	for _, pt := range res.Points {
		test.That(t, pt.Provenance, test.ShouldHaveLength, 3)
	}

	cfg := testConfig()
	cfg.MaxConsecutiveFailures = 2
	views, extractor = ringScene(t, corners, cubeRingPoses(4), true)
	views[3].Intrinsics = nil
	p, err = NewPipeline(cfg, logger, WithExtractor(extractor))
	test.That(t, err, test.ShouldBeNil)
	res, err = p.Run(context.Background(), views)
	var failure *PipelineFailure
	test.That(t, errors.As(err, &failure), test.ShouldBeTrue)
	test.That(t, failure.Consecutive, test.ShouldEqual, 2)
	test.That(t, res.State, test.ShouldEqual, Failed)
	// partial results are preserved
	test.That(t, res.Points, test.ShouldHaveLength, 8)
}

func TestUnknownPosesAreEstimated(t *testing.T) {
	logger := logging.NewTestLogger(t)
	scene := randomScene(3, 60)
	truth := stereoPoses()
	views, extractor := ringScene(t, scene, truth, false)
	cfg := testConfig()
	cfg.ClosedRing = false

	p, err := NewPipeline(cfg, logger, WithExtractor(extractor))
	test.That(t, err, test.ShouldBeNil)
	res, err := p.Run(context.Background(), views)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Pairs, test.ShouldHaveLength, 1)
	d := res.Pairs[0]
	test.That(t, d.KnownPoses, test.ShouldBeFalse)
	test.That(t, d.Matches, test.ShouldEqual, 60)
	test.That(t, d.Inliers, test.ShouldEqual, 60)
	test.That(t, d.Iterations, test.ShouldBeGreaterThan, 0)

	// the true baseline has unit length, so the unit scale of the estimate is the true scale
	test.That(t, res.Poses[1], test.ShouldNotBeNil)
	test.That(t, transform.RotationDiscrepancyDegrees(res.Poses[1], truth[1]), test.ShouldBeLessThan, 1e-4)
	test.That(t, res.Poses[1].Center().Sub(truth[1].Center()).Norm(), test.ShouldBeLessThan, 1e-4)

	test.That(t, res.Points, test.ShouldHaveLength, 60)
	for i, pt := range res.Points {
		test.That(t, pt.Provenance[0], test.ShouldResemble, Observation{View: 0, Keypoint: i})
		test.That(t, pt.Position.Sub(scene[i]).Norm(), test.ShouldBeLessThan, 1e-3)
	}
}

func TestValidatePoses(t *testing.T) {
	logger, observed := logging.NewObservedTestLogger(t)
	scene := randomScene(5, 40)
	views, extractor := ringScene(t, scene, stereoPoses(), true)
	cfg := testConfig()
	cfg.ClosedRing = false
	cfg.ValidatePoses = true

	p, err := NewPipeline(cfg, logger, WithExtractor(extractor))
	test.That(t, err, test.ShouldBeNil)
	res, err := p.Run(context.Background(), views)
	test.That(t, err, test.ShouldBeNil)
	d := res.Pairs[0]
	test.That(t, d.KnownPoses, test.ShouldBeTrue)
	test.That(t, d.RotationDiscrepancyDegrees, test.ShouldBeBetweenOrEqual, 0.0, 1e-3)
	test.That(t, observed.FilterMessage("reconstruction done").Len(), test.ShouldEqual, 1)
}

type cancelingExtractor struct {
	keypoints.Extractor
	cancel context.CancelFunc
}

func (ce *cancelingExtractor) Extract(img *rimage.Image) (*keypoints.Features, error) {
	ce.cancel()
	return ce.Extractor.Extract(img)
}

func TestCancellation(t *testing.T) {
	logger := logging.NewTestLogger(t)
	views, extractor := ringScene(t, cubeCorners(), cubeRingPoses(4), true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := testConfig()
	cfg.Workers = 1

	p, err := NewPipeline(cfg, logger, WithExtractor(&cancelingExtractor{Extractor: extractor, cancel: cancel}))
	test.That(t, err, test.ShouldBeNil)
	res, err := p.Run(ctx, views)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	test.That(t, res, test.ShouldNotBeNil)
	test.That(t, res.State, test.ShouldEqual, Failed)
	test.That(t, res.Points, test.ShouldBeEmpty)

	snapshot := p.Result()
	test.That(t, snapshot.State, test.ShouldEqual, Failed)
	test.That(t, snapshot.Pairs, test.ShouldHaveLength, 4)
}

func TestRunInputErrors(t *testing.T) {
	logger := logging.NewTestLogger(t)
	p, err := NewPipeline(nil, logger)
	test.That(t, err, test.ShouldBeNil)
	_, err = p.Run(context.Background(), []View{{}})
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "at least 2 views")
	test.That(t, p.State(), test.ShouldEqual, Idle)

	// nil images fail extraction for both views, which fails the only pair
	res, err := p.Run(context.Background(), []View{{}, {}})
	var failure *PipelineFailure
	test.That(t, errors.As(err, &failure), test.ShouldBeTrue)
	var extraction *keypoints.ExtractionError
	test.That(t, errors.As(res.Pairs[0].Err, &extraction), test.ShouldBeTrue)

	cfg := DefaultConfig()
	cfg.Extractor = "orb"
	_, err = NewPipeline(cfg, logger)
	test.That(t, err, test.ShouldNotBeNil)

	cfg = DefaultConfig()
	cfg.Extractor = ExtractorBRIEF
	cfg.Matching.Distance = "hamming"
	p, err = NewPipeline(cfg, logger)
	test.That(t, err, test.ShouldBeNil)
	_, ok := p.extractor.(*keypoints.BRIEFExtractor)
	test.That(t, ok, test.ShouldBeTrue)
}

func TestEvaluateFailurePolicy(t *testing.T) {
	failed := errors.New("nope")
	diags := func(fails ...bool) []PairDiagnostics {
		out := make([]PairDiagnostics, len(fails))
		for i, f := range fails {
			out[i].Pair = ViewPair{i, (i + 1) % len(fails)}
			if f {
				out[i].Err = failed
			}
		}
		return out
	}
	cfg := DefaultConfig()
	test.That(t, evaluateFailurePolicy(nil, 4, cfg), test.ShouldBeNil)
	test.That(t, evaluateFailurePolicy(diags(false, true, false, true), 4, cfg), test.ShouldBeNil)

	pf := evaluateFailurePolicy(diags(true, true, false, true), 4, cfg)
	test.That(t, pf, test.ShouldNotBeNil)
	test.That(t, pf.SuccessRatio, test.ShouldEqual, 0.25)
	test.That(t, pf.FailedPairs, test.ShouldHaveLength, 3)
	test.That(t, pf.Error(), test.ShouldContainSubstring, "(0,1): nope")
	test.That(t, errors.Is(pf, failed), test.ShouldBeTrue)

	cfg.MaxConsecutiveFailures = 2
	// the failures at both ends of a closed ring are consecutive
	pf = evaluateFailurePolicy(diags(true, false, false, true), 4, cfg)
	test.That(t, pf, test.ShouldNotBeNil)
	test.That(t, pf.Consecutive, test.ShouldEqual, 2)
	cfg.ClosedRing = false
	test.That(t, evaluateFailurePolicy(diags(true, false, false, true), 4, cfg), test.ShouldBeNil)
}

func TestLongestFailureRun(t *testing.T) {
	mk := func(fails ...bool) []PairDiagnostics {
		out := make([]PairDiagnostics, len(fails))
		for i, f := range fails {
			if f {
				out[i].Err = errors.New("x")
			}
		}
		return out
	}
	test.That(t, longestFailureRun(mk(false, false), true), test.ShouldEqual, 0)
	test.That(t, longestFailureRun(mk(true, true, false, true), false), test.ShouldEqual, 2)
	test.That(t, longestFailureRun(mk(true, true, false, true), true), test.ShouldEqual, 3)
	test.That(t, longestFailureRun(mk(true, true, true), true), test.ShouldEqual, 3)
}

func TestCameraCentersSkipsUnknownPoses(t *testing.T) {
	res := &ReconstructionResult{Poses: []*transform.CameraPose{transform.IdentityPose(), nil}}
	test.That(t, res.CameraCenters(), test.ShouldResemble, []r3.Vector{{}})
}

func TestTriangulationErrorDropsPairPoints(t *testing.T) {
	calls := 0
	orig := triangulatePoint
	triangulatePoint = func(proj1, proj2 *mat.Dense, pt1, pt2 r2.Point, cfg *transform.TriangulationConfig) (
		*transform.TriangulatedPoint, error,
	) {
		calls++
		if calls == 1 {
			return &transform.TriangulatedPoint{Position: r3.Vector{Z: 1}, ReprojectionErrors: []float64{0, 0}}, nil
		}
		return nil, errors.New("solver failed")
	}
	t.Cleanup(func() { triangulatePoint = orig })

	p, err := NewPipeline(testConfig(), logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	views := []View{{Intrinsics: testIntrinsics()}, {Intrinsics: testIntrinsics()}}
	poses := []*transform.CameraPose{ringPose(0, 6), ringPose(math.Pi/2, 6)}
	colors := []color.RGBA{testColor, testColor}
	features := []viewFeatures{{colors: colors}, {colors: colors}}
	w := &pairWork{
		diag:    PairDiagnostics{Pair: ViewPair{First: 0, Second: 1}},
		matches: []keypoints.Correspondence{{QueryIdx: 0, TrainIdx: 0}, {QueryIdx: 1, TrainIdx: 1}},
		pts1:    []r2.Point{{X: 10, Y: 10}, {X: 20, Y: 20}},
		pts2:    []r2.Point{{X: 10, Y: 10}, {X: 20, Y: 20}},
		inliers: []int{0, 1},
	}

	cands, err := p.triangulatePair(context.Background(), views, poses, features, w)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cands, test.ShouldBeNil)
	test.That(t, calls, test.ShouldEqual, 2)
	test.That(t, w.diag.Err, test.ShouldBeError, errors.New("solver failed"))
	test.That(t, w.diag.Triangulated, test.ShouldEqual, 0)
}
