package transform

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/ift6142/ringsfm/utils"
)

// GeometryConfig configures robust two view geometry estimation.
type GeometryConfig struct {
	// InlierThreshold is the maximum Sampson error in pixels of an inlier.
	InlierThreshold float64 `json:"inlier_threshold"`
	MaxIterations   int     `json:"max_iterations"`
	// Confidence drives adaptive termination once a good model is found.
	Confidence float64 `json:"confidence"`
	Seed       int64   `json:"seed"`
	// TimeBudget bounds the wall clock time of the sampling loop. Zero means unbounded.
	TimeBudget time.Duration `json:"time_budget"`
	// MinCheiralityRatio is the fraction of inliers that must lie in front of both cameras for the
	// recovered pose to be trusted.
	MinCheiralityRatio float64 `json:"min_cheirality_ratio"`

	Clock clock.Clock `json:"-"`
}

// DefaultGeometryConfig returns the default estimation parameters.
func DefaultGeometryConfig() *GeometryConfig {
	return &GeometryConfig{
		InlierThreshold:    1.0,
		MaxIterations:      2000,
		Confidence:         0.999,
		Seed:               1,
		MinCheiralityRatio: 0.5,
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *GeometryConfig) Validate(path string) error {
	if cfg.InlierThreshold <= 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("inlier_threshold must be positive, got %v", cfg.InlierThreshold))
	}
	if cfg.MaxIterations <= 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("max_iterations must be positive, got %d", cfg.MaxIterations))
	}
	if cfg.Confidence <= 0 || cfg.Confidence >= 1 {
		return utils.NewConfigValidationError(path, errors.Errorf("confidence must be in (0, 1), got %v", cfg.Confidence))
	}
	if cfg.TimeBudget < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("time_budget cannot be negative, got %v", cfg.TimeBudget))
	}
	if cfg.MinCheiralityRatio < 0 || cfg.MinCheiralityRatio > 1 {
		return utils.NewConfigValidationError(path,
			errors.Errorf("min_cheirality_ratio must be in [0, 1], got %v", cfg.MinCheiralityRatio))
	}
	return nil
}

// TwoViewGeometry is the result of a two view estimation.
type TwoViewGeometry struct {
	Fundamental *mat.Dense
	// Essential and Pose are only set when both cameras are calibrated. Pose maps camera 1
	// coordinates to camera 2 coordinates and has a unit translation.
	Essential         *mat.Dense
	Pose              *CameraPose
	Inliers           []int
	Iterations        int
	CheiralitySupport int
}

// EstimateTwoViewGeometry robustly estimates the epipolar geometry relating pixel correspondences
// pts1[i] <-> pts2[i] with RANSAC over eight point samples. With intrinsics for both cameras the
// relative pose is recovered as well.
func EstimateTwoViewGeometry(
	ctx context.Context,
	pts1, pts2 []r2.Point,
	k1, k2 *PinholeCameraIntrinsics,
	cfg *GeometryConfig,
) (*TwoViewGeometry, error) {
	if cfg == nil {
		cfg = DefaultGeometryConfig()
	}
	if len(pts1) != len(pts2) {
		return nil, errors.Errorf("point sets have different lengths %d and %d", len(pts1), len(pts2))
	}
	n := len(pts1)
	if n < MinimalSampleSize {
		return nil, NewInsufficientCorrespondencesError(n, false)
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	//nolint:gosec
	rng := rand.New(rand.NewSource(cfg.Seed))
	start := clk.Now()

	var bestF *mat.Dense
	var bestInliers []int
	validSamples := 0
	needed := cfg.MaxIterations
	sample1 := make([]r2.Point, MinimalSampleSize)
	sample2 := make([]r2.Point, MinimalSampleSize)
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	iter := 0
	for ; iter < needed; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if cfg.TimeBudget > 0 && clk.Now().Sub(start) > cfg.TimeBudget {
			return nil, errors.Wrapf(ErrEstimationBudgetExceeded, "after %d iterations", iter)
		}
		// partial Fisher-Yates shuffle
		for i := 0; i < MinimalSampleSize; i++ {
			j := i + rng.Intn(n-i)
			perm[i], perm[j] = perm[j], perm[i]
			sample1[i] = pts1[perm[i]]
			sample2[i] = pts2[perm[i]]
		}
		f, ok := fitFundamental(sample1, sample2)
		if !ok {
			continue
		}
		validSamples++
		inliers := ScoreWithKnownPoses(pts1, pts2, f, cfg.InlierThreshold)
		if len(inliers) > len(bestInliers) {
			bestF, bestInliers = f, inliers
			needed = utils.MinInt(cfg.MaxIterations, adaptiveIterations(len(inliers), n, cfg.Confidence))
		}
	}
	if validSamples == 0 {
		return nil, &DegenerateGeometryError{Reason: "every sampled correspondence set is rank deficient"}
	}
	if len(bestInliers) < MinimalSampleSize {
		return nil, NewInsufficientCorrespondencesError(len(bestInliers), true)
	}

	// refit on all inliers, keeping the refit only if it does not lose support
	in1, in2 := gather(pts1, bestInliers), gather(pts2, bestInliers)
	if f, ok := fitFundamental(in1, in2); ok {
		if inliers := ScoreWithKnownPoses(pts1, pts2, f, cfg.InlierThreshold); len(inliers) >= len(bestInliers) {
			bestF, bestInliers = f, inliers
		}
	}

	result := &TwoViewGeometry{Fundamental: bestF, Inliers: bestInliers, Iterations: iter}
	if k1 == nil || k2 == nil {
		return result, nil
	}
	if err := k1.CheckValid(); err != nil {
		return nil, err
	}
	if err := k2.CheckValid(); err != nil {
		return nil, err
	}
	essMat, err := GetEssentialMatrixFromFundamental(k1.GetCameraMatrix(), k2.GetCameraMatrix(), bestF)
	if err != nil {
		return nil, err
	}
	poses, err := GetPossibleCameraPoses(essMat)
	if err != nil {
		return nil, err
	}
	norm1 := make([]r2.Point, len(bestInliers))
	norm2 := make([]r2.Point, len(bestInliers))
	for i, idx := range bestInliers {
		norm1[i] = k1.PixelToRay(pts1[idx])
		norm2[i] = k2.PixelToRay(pts2[idx])
	}
	pose, support := GetCorrectCameraPose(poses, norm1, norm2)
	if float64(support) < cfg.MinCheiralityRatio*float64(len(bestInliers)) {
		return nil, &DegenerateGeometryError{
			Reason: fmt.Sprintf("only %d of %d inliers lie in front of both cameras", support, len(bestInliers)),
		}
	}
	result.Essential = essMat
	result.Pose = pose
	result.CheiralitySupport = support
	return result, nil
}

// adaptiveIterations returns the number of samples needed to draw an all inlier sample with the
// given confidence.
func adaptiveIterations(nInliers, n int, confidence float64) int {
	w := float64(nInliers) / float64(n)
	p := math.Pow(w, MinimalSampleSize)
	if p >= 1 {
		return 1
	}
	if p <= 1e-12 {
		return math.MaxInt32
	}
	k := math.Log(1-confidence) / math.Log(1-p)
	if k > math.MaxInt32 {
		return math.MaxInt32
	}
	return utils.MaxInt(1, int(math.Ceil(k)))
}

func gather(pts []r2.Point, idxs []int) []r2.Point {
	out := make([]r2.Point, len(idxs))
	for i, idx := range idxs {
		out[i] = pts[idx]
	}
	return out
}
