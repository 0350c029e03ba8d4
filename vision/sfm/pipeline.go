// Package sfm reconstructs a sparse colored point cloud from an ordered ring of calibrated views:
// features are extracted per view, matched between view pairs, filtered with two view geometry
// and triangulated, then merged into a single deduplicated cloud.
package sfm

import (
	"context"
	"fmt"
	"image/color"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/geo/r2"
	"github.com/google/uuid"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	uts "go.viam.com/utils"

	"github.com/ift6142/ringsfm/logging"
	"github.com/ift6142/ringsfm/rimage"
	"github.com/ift6142/ringsfm/rimage/transform"
	"github.com/ift6142/ringsfm/utils"
	"github.com/ift6142/ringsfm/vision/keypoints"
)

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithExtractor replaces the extractor built from the config.
func WithExtractor(extractor keypoints.Extractor) Option {
	return func(p *Pipeline) {
		p.extractor = extractor
	}
}

// WithMatcher replaces the matcher built from the config.
func WithMatcher(matcher keypoints.Matcher) Option {
	return func(p *Pipeline) {
		p.matcher = matcher
	}
}

// Pipeline runs a single reconstruction. It is not reusable: create a new one per run.
type Pipeline struct {
	cfg       *Config
	extractor keypoints.Extractor
	matcher   keypoints.Matcher
	logger    logging.Logger
	runID     string
	state     stateMachine
	agg       *aggregator

	mu          sync.Mutex
	diagnostics []PairDiagnostics
	poses       []*transform.CameraPose
}

// NewPipeline validates the config and builds the extractor and matcher it describes.
func NewPipeline(cfg *Config, logger logging.Logger, opts ...Option) (*Pipeline, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate("sfm"); err != nil {
		return nil, err
	}
	p := &Pipeline{
		cfg:    cfg,
		logger: logger.Sublogger("sfm"),
		runID:  uuid.NewString(),
		state:  newStateMachine(),
		agg:    newAggregator(cfg.DedupEpsilon),
	}
	for _, opt := range opts {
		opt(p)
	}

	var err error
	if p.extractor == nil {
		switch cfg.Extractor {
		case ExtractorBRIEF:
			p.extractor, err = keypoints.NewBRIEFExtractor(cfg.BRIEF)
		default:
			p.extractor, err = keypoints.NewSIFTExtractor(cfg.SIFT)
		}
		if err != nil {
			return nil, err
		}
	}
	if p.matcher == nil {
		if p.matcher, err = keypoints.NewDescriptorMatcher(cfg.Matching); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// RunID identifies the run in logs and reports.
func (p *Pipeline) RunID() string {
	return p.runID
}

// State returns the current stage of the run.
func (p *Pipeline) State() State {
	return p.state.current()
}

// Result returns a snapshot of the run. It is safe to call at any time, including while the run
// is in progress or after it was canceled; points aggregated so far are included.
func (p *Pipeline) Result() *ReconstructionResult {
	p.mu.Lock()
	diags := append([]PairDiagnostics(nil), p.diagnostics...)
	poses := append([]*transform.CameraPose(nil), p.poses...)
	p.mu.Unlock()

	return &ReconstructionResult{
		RunID:  p.runID,
		State:  p.state.current(),
		Points: p.agg.snapshot(p.cfg.DiscardLowConfidence),
		Pairs:  diags,
		FailedPairs: lo.FilterMap(diags, func(d PairDiagnostics, _ int) (ViewPair, bool) {
			return d.Pair, d.Failed()
		}),
		Poses: poses,
	}
}

// viewFeatures are the features of one view and the color under each keypoint.
type viewFeatures struct {
	features *keypoints.Features
	colors   []color.RGBA
	err      error
}

// pairWork carries the intermediate state of one view pair across stages.
type pairWork struct {
	diag       PairDiagnostics
	matches    []keypoints.Correspondence
	pts1, pts2 []r2.Point
	inliers    []int
	geometry   *transform.TwoViewGeometry
}

func (w *pairWork) timed(start time.Time) {
	w.diag.Duration += time.Since(start)
}

// Run reconstructs the views, given in ring order. Per pair failures are recorded in the result
// diagnostics; the run only fails as a whole with a *PipelineFailure when the failure policy is
// violated, or with the context error when canceled. A result is returned in every case but an
// invalid input or a pipeline that already ran.
func (p *Pipeline) Run(ctx context.Context, views []View) (*ReconstructionResult, error) {
	if len(views) < 2 {
		return nil, errors.Errorf("need at least 2 views, got %d", len(views))
	}
	if err := p.state.transition(ExtractingFeatures); err != nil {
		return nil, errors.Wrap(err, "pipeline can only run once")
	}
	start := time.Now()
	views = append([]View(nil), views...)
	pairs := ringPairs(len(views), p.cfg.ClosedRing, p.cfg.PairSpan)
	work := make([]pairWork, len(pairs))
	for i, pair := range pairs {
		work[i].diag = PairDiagnostics{Pair: pair, RotationDiscrepancyDegrees: -1}
	}
	p.publish(work, lo.Map(views, func(v View, _ int) *transform.CameraPose { return v.Pose }))
	p.logger.Infow("starting reconstruction", "run", p.runID, "views", len(views), "pairs", len(pairs))

	features, err := p.extractFeatures(ctx, views)
	if err != nil {
		return p.fail(err)
	}
	// images are not needed past this point
	for i := range views {
		views[i].Image = nil
	}

	if err := p.state.transition(MatchingPairs); err != nil {
		return p.fail(err)
	}
	if err := p.matchPairs(ctx, features, work); err != nil {
		return p.fail(err)
	}
	p.publish(work, nil)

	if err := p.state.transition(EstimatingGeometry); err != nil {
		return p.fail(err)
	}
	if err := p.estimateGeometry(ctx, views, work); err != nil {
		return p.fail(err)
	}
	poses := p.resolvePoses(views, work)
	p.publish(work, poses)

	if err := p.state.transition(Triangulating); err != nil {
		return p.fail(err)
	}
	err = p.triangulate(ctx, views, poses, features, work)
	p.publish(work, nil)
	if err != nil {
		return p.fail(err)
	}

	if err := p.state.transition(Aggregating); err != nil {
		return p.fail(err)
	}
	diags := lo.Map(work, func(w pairWork, _ int) PairDiagnostics { return w.diag })
	if p.cfg.ReportDir != "" {
		fn := filepath.Join(p.cfg.ReportDir, fmt.Sprintf("reprojection_%s.png", p.runID))
		if err := WriteReprojectionHistogram(diags, fn); err != nil {
			p.logger.Warnw("cannot write reprojection report", "file", fn, "error", err)
		}
	}
	logSummary(p.logger, p.runID, diags)

	if failure := evaluateFailurePolicy(diags, len(views), p.cfg); failure != nil {
		if err := p.state.transition(Failed); err != nil {
			return nil, err
		}
		p.logger.Errorw("reconstruction failed", "run", p.runID, "error", failure)
		return p.Result(), failure
	}
	if err := p.state.transition(Done); err != nil {
		return p.fail(err)
	}
	res := p.Result()
	p.logger.Infow("reconstruction done", "run", p.runID, "points", len(res.Points),
		"failed_pairs", len(res.FailedPairs), "duration", time.Since(start))
	return res, nil
}

func (p *Pipeline) fail(err error) (*ReconstructionResult, error) {
	if terr := p.state.transition(Failed); terr != nil {
		p.logger.Debugw("cannot mark run as failed", "error", terr)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		p.logger.Infow("reconstruction canceled", "run", p.runID, "error", err)
		return p.Result(), errors.Wrap(err, "reconstruction canceled")
	}
	p.logger.Errorw("reconstruction failed", "run", p.runID, "error", err)
	return p.Result(), err
}

// publish makes the diagnostics, and the poses when given, visible to Result.
func (p *Pipeline) publish(work []pairWork, poses []*transform.CameraPose) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.diagnostics = lo.Map(work, func(w pairWork, _ int) PairDiagnostics { return w.diag })
	if poses != nil {
		p.poses = append([]*transform.CameraPose(nil), poses...)
	}
}

func (p *Pipeline) extractFeatures(ctx context.Context, views []View) ([]viewFeatures, error) {
	out := make([]viewFeatures, len(views))
	err := utils.ParallelForEach(ctx, len(views), p.cfg.Workers, func(ctx context.Context, i int) error {
		img := views[i].Image
		feats, err := p.extractor.Extract(img)
		if err != nil {
			p.logger.Warnw("feature extraction failed", "view", i, "error", err)
			out[i].err = errors.Wrapf(err, "view %d", i)
			return nil
		}
		out[i] = viewFeatures{features: feats, colors: sampleColors(img, feats.Keypoints)}
		p.logger.Debugw("extracted features", "view", i, "keypoints", feats.Len())
		return nil
	})
	return out, err
}

func sampleColors(img *rimage.Image, kps []keypoints.Keypoint) []color.RGBA {
	return lo.Map(kps, func(kp keypoints.Keypoint, _ int) color.RGBA {
		return img.ClampedRGBAt(kp.Point.X, kp.Point.Y)
	})
}

func (p *Pipeline) matchPairs(ctx context.Context, features []viewFeatures, work []pairWork) error {
	return utils.ParallelForEach(ctx, len(work), p.cfg.Workers, func(ctx context.Context, k int) error {
		w := &work[k]
		defer w.timed(time.Now())
		f1, f2 := features[w.diag.Pair.First], features[w.diag.Pair.Second]
		if f1.err != nil {
			w.diag.Err = f1.err
			return nil
		}
		if f2.err != nil {
			w.diag.Err = f2.err
			return nil
		}
		matches, err := p.matcher.Match(f1.features.Descriptors, f2.features.Descriptors)
		if err != nil {
			w.diag.Err = errors.Wrap(err, "matching")
			return nil
		}
		pts1, pts2, err := keypoints.GetMatchingKeyPoints(matches, f1.features.Keypoints, f2.features.Keypoints)
		if err != nil {
			w.diag.Err = err
			return nil
		}
		w.matches, w.pts1, w.pts2 = matches, pts1, pts2
		w.diag.Matches = len(matches)
		p.logger.Debugw("matched pair", "pair", w.diag.Pair, "matches", len(matches))
		return nil
	})
}

func (p *Pipeline) estimateGeometry(ctx context.Context, views []View, work []pairWork) error {
	return utils.ParallelForEach(ctx, len(work), p.cfg.Workers, func(ctx context.Context, k int) error {
		w := &work[k]
		if w.diag.Err != nil {
			return nil
		}
		defer w.timed(time.Now())
		v1, v2 := views[w.diag.Pair.First], views[w.diag.Pair.Second]
		if v1.Pose != nil && v2.Pose != nil {
			w.diag.KnownPoses = true
			w.diag.Err = p.checkKnownPoses(ctx, v1, v2, w)
			return nil
		}

		geom, err := transform.EstimateTwoViewGeometry(ctx, w.pts1, w.pts2, v1.Intrinsics, v2.Intrinsics, p.cfg.Geometry)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.diag.Err = err
			p.logger.Debugw("geometry estimation failed", "pair", w.diag.Pair, "error", err)
			return nil
		}
		w.geometry = geom
		w.inliers = geom.Inliers
		w.diag.Inliers = len(geom.Inliers)
		w.diag.Iterations = geom.Iterations
		return nil
	})
}

// checkKnownPoses keeps the correspondences consistent with the epipolar geometry of the
// provided poses and optionally compares those poses with an estimate.
func (p *Pipeline) checkKnownPoses(ctx context.Context, v1, v2 View, w *pairWork) error {
	if len(w.matches) < transform.MinimalSampleSize {
		return transform.NewInsufficientCorrespondencesError(len(w.matches), false)
	}
	f, err := transform.FundamentalFromPoses(v1.Intrinsics, v1.Pose, v2.Intrinsics, v2.Pose)
	if err != nil {
		return err
	}
	w.inliers = transform.ScoreWithKnownPoses(w.pts1, w.pts2, f, p.cfg.Geometry.InlierThreshold)
	w.diag.Inliers = len(w.inliers)
	if len(w.inliers) < transform.MinimalSampleSize {
		return transform.NewInsufficientCorrespondencesError(len(w.inliers), true)
	}

	if p.cfg.ValidatePoses {
		geom, err := transform.EstimateTwoViewGeometry(ctx, w.pts1, w.pts2, v1.Intrinsics, v2.Intrinsics, p.cfg.Geometry)
		switch {
		case err != nil:
			p.logger.Warnw("cannot validate provided poses", "pair", w.diag.Pair, "error", err)
		case geom.Pose != nil:
			w.diag.RotationDiscrepancyDegrees = transform.RotationDiscrepancyDegrees(geom.Pose, transform.RelativePose(v1.Pose, v2.Pose))
			w.diag.Iterations = geom.Iterations
			p.logger.Debugw("validated provided poses", "pair", w.diag.Pair,
				"rotation_discrepancy_deg", w.diag.RotationDiscrepancyDegrees)
		}
	}
	return nil
}

// resolvePoses fills in the views without a provided pose by chaining the relative poses of
// consecutive pairs in ring order. The first view defines the world frame when it has no pose,
// and every estimated step has a unit baseline.
func (p *Pipeline) resolvePoses(views []View, work []pairWork) []*transform.CameraPose {
	poses := lo.Map(views, func(v View, _ int) *transform.CameraPose { return v.Pose })
	if poses[0] == nil {
		poses[0] = transform.IdentityPose()
	}
	for k := range work {
		w := &work[k]
		pair := w.diag.Pair
		if pair.Second != pair.First+1 || poses[pair.Second] != nil || poses[pair.First] == nil {
			continue
		}
		if w.diag.Err != nil || w.geometry == nil || w.geometry.Pose == nil {
			continue
		}
		pose := poses[pair.First].Compose(w.geometry.Pose)
		if err := pose.Orthonormalize(); err != nil {
			p.logger.Warnw("cannot orthonormalize chained pose", "view", pair.Second, "error", err)
			continue
		}
		poses[pair.Second] = pose
		p.logger.Debugw("resolved pose", "view", pair.Second, "center", pose.Center())
	}
	return poses
}

func (p *Pipeline) triangulate(
	ctx context.Context,
	views []View,
	poses []*transform.CameraPose,
	features []viewFeatures,
	work []pairWork,
) error {
	results := make(chan []candidate, len(work))
	done := make(chan struct{})
	uts.PanicCapturingGo(func() {
		defer close(done)
		for cands := range results {
			p.agg.add(cands)
		}
	})

	err := utils.ParallelForEach(ctx, len(work), p.cfg.Workers, func(ctx context.Context, k int) error {
		w := &work[k]
		if w.diag.Err != nil {
			return nil
		}
		defer w.timed(time.Now())
		cands, err := p.triangulatePair(ctx, views, poses, features, w)
		if len(cands) > 0 {
			results <- cands
		}
		return err
	})
	close(results)
	<-done
	return err
}

// triangulatePoint is swapped out in tests.
var triangulatePoint = transform.TriangulatePair

// triangulatePair lifts the inliers of a pair to candidates. On cancellation the candidates built
// so far are returned with the context error.
func (p *Pipeline) triangulatePair(
	ctx context.Context,
	views []View,
	poses []*transform.CameraPose,
	features []viewFeatures,
	w *pairWork,
) ([]candidate, error) {
	pair := w.diag.Pair
	for _, idx := range []int{pair.First, pair.Second} {
		if poses[idx] == nil {
			w.diag.Err = errors.Errorf("pose of view %d could not be resolved", idx)
			return nil, nil
		}
		if views[idx].Intrinsics == nil {
			w.diag.Err = transform.NewNoIntrinsicsError(fmt.Sprintf("view %d", idx))
			return nil, nil
		}
	}
	proj1 := poses[pair.First].ProjectionMatrix(views[pair.First].Intrinsics)
	proj2 := poses[pair.Second].ProjectionMatrix(views[pair.Second].Intrinsics)
	colors1, colors2 := features[pair.First].colors, features[pair.Second].colors

	cands := make([]candidate, 0, len(w.inliers))
	var reprojection []float64
	for _, idx := range w.inliers {
		if err := ctx.Err(); err != nil {
			return cands, err
		}
		m := w.matches[idx]
		tp, err := triangulatePoint(proj1, proj2, w.pts1[idx], w.pts2[idx], p.cfg.Triangulation)
		if err != nil {
			var degenerate *transform.DegenerateTriangulationError
			if errors.As(err, &degenerate) {
				w.diag.Degenerate++
				continue
			}
			// a failed pair contributes no points
			w.diag.Err = err
			return nil, nil
		}
		reprojection = append(reprojection, tp.ReprojectionErrors...)
		if tp.LowConfidence {
			w.diag.LowConfidence++
		}
		cands = append(cands, candidate{
			position:      tp.Position,
			color:         rimage.AverageColor([]color.RGBA{colors1[m.QueryIdx], colors2[m.TrainIdx]}),
			hasColor:      true,
			lowConfidence: tp.LowConfidence,
			provenance: []Observation{
				{View: pair.First, Keypoint: m.QueryIdx},
				{View: pair.Second, Keypoint: m.TrainIdx},
			},
		})
	}
	w.diag.Triangulated = len(cands)
	w.diag.ReprojectionErrors = reprojection
	if len(reprojection) > 0 {
		data := stats.Float64Data(reprojection)
		w.diag.ReprojectionMean, _ = data.Mean()
		w.diag.ReprojectionMedian, _ = data.Median()
		w.diag.ReprojectionMax, _ = data.Max()
	}
	if len(cands) == 0 {
		w.diag.Err = &transform.DegenerateTriangulationError{
			Reason: fmt.Sprintf("none of the %d inliers could be triangulated", len(w.inliers)),
		}
	}
	p.logger.Debugw("triangulated pair", "pair", pair, "points", len(cands),
		"degenerate", w.diag.Degenerate, "low_confidence", w.diag.LowConfidence)
	return cands, nil
}

// evaluateFailurePolicy returns a failure when too few pairs succeeded or too many consecutive
// ring pairs failed in a row.
func evaluateFailurePolicy(diags []PairDiagnostics, numViews int, cfg *Config) *PipelineFailure {
	if len(diags) == 0 {
		return nil
	}
	succeeded := lo.CountBy(diags, func(d PairDiagnostics) bool { return !d.Failed() })
	ratio := float64(succeeded) / float64(len(diags))

	consecutive := lo.Filter(diags, func(d PairDiagnostics, _ int) bool { return isConsecutive(d.Pair, numViews) })
	longest := longestFailureRun(consecutive, cfg.ClosedRing)

	switch {
	case ratio < cfg.MinSuccessRatio:
		return newPipelineFailure(diags, ratio, longest,
			fmt.Sprintf("success ratio below %.2f", cfg.MinSuccessRatio))
	case cfg.MaxConsecutiveFailures > 0 && longest >= cfg.MaxConsecutiveFailures:
		return newPipelineFailure(diags, ratio, longest,
			fmt.Sprintf("%d consecutive ring pairs failed", longest))
	default:
		return nil
	}
}

// longestFailureRun returns the longest run of failed pairs, wrapping around a closed ring.
func longestFailureRun(ring []PairDiagnostics, closed bool) int {
	n := len(ring)
	limit := n
	if closed {
		limit = 2 * n
	}
	longest, run := 0, 0
	for i := 0; i < limit; i++ {
		if ring[i%n].Failed() {
			run++
			longest = utils.MaxInt(longest, run)
		} else {
			run = 0
		}
	}
	return utils.MinInt(longest, n)
}
