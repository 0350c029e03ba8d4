package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/ift6142/ringsfm/utils"
)

// TriangulationConfig holds the conditioning and confidence thresholds of the triangulator.
type TriangulationConfig struct {
	// ConditionThreshold is the smallest accepted ratio between the second smallest and the largest
	// singular values of the DLT system.
	ConditionThreshold float64 `json:"condition_threshold"`
	// MinBaseline is the smallest accepted distance between two camera centers.
	MinBaseline float64 `json:"min_baseline"`
	// MinParallaxDegrees is the smallest accepted angle between viewing rays.
	MinParallaxDegrees float64 `json:"min_parallax_degrees"`
	// ReprojectionThreshold in pixels above which a point is flagged low confidence.
	ReprojectionThreshold float64 `json:"reprojection_threshold"`
}

// DefaultTriangulationConfig returns the default triangulation thresholds.
func DefaultTriangulationConfig() *TriangulationConfig {
	return &TriangulationConfig{
		ConditionThreshold:    1e-12,
		MinBaseline:           1e-6,
		MinParallaxDegrees:    0.05,
		ReprojectionThreshold: 2.0,
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *TriangulationConfig) Validate(path string) error {
	if cfg.ConditionThreshold < 0 {
		return utils.NewConfigValidationError(path, errors.New("condition_threshold cannot be negative"))
	}
	if cfg.MinBaseline < 0 {
		return utils.NewConfigValidationError(path, errors.New("min_baseline cannot be negative"))
	}
	if cfg.MinParallaxDegrees < 0 || cfg.MinParallaxDegrees >= 90 {
		return utils.NewConfigValidationError(path, errors.New("min_parallax_degrees must be in [0, 90)"))
	}
	if cfg.ReprojectionThreshold <= 0 {
		return utils.NewConfigValidationError(path, errors.New("reprojection_threshold must be positive"))
	}
	return nil
}

// TriangulatedPoint is a world point recovered from two or more views.
type TriangulatedPoint struct {
	Position r3.Vector
	// ReprojectionErrors holds the pixel error in each view, in input order.
	ReprojectionErrors []float64
	ParallaxDegrees    float64
	LowConfidence      bool
}

// MaxReprojectionError returns the largest per view reprojection error.
func (tp *TriangulatedPoint) MaxReprojectionError() float64 {
	if len(tp.ReprojectionErrors) == 0 {
		return 0
	}
	return floats.Max(tp.ReprojectionErrors)
}

// TriangulatePair triangulates one correspondence seen by two cameras.
func TriangulatePair(proj1, proj2 *mat.Dense, pt1, pt2 r2.Point, cfg *TriangulationConfig) (*TriangulatedPoint, error) {
	return Triangulate([]*mat.Dense{proj1, proj2}, []r2.Point{pt1, pt2}, cfg)
}

// Triangulate recovers the world point observed at pts[i] by the camera with 3x4 projection
// matrix projs[i], with the direct linear transform. Ill-conditioned configurations return a
// *DegenerateTriangulationError.
func Triangulate(projs []*mat.Dense, pts []r2.Point, cfg *TriangulationConfig) (*TriangulatedPoint, error) {
	if cfg == nil {
		cfg = DefaultTriangulationConfig()
	}
	if len(projs) != len(pts) {
		return nil, errors.Errorf("got %d projection matrices for %d points", len(projs), len(pts))
	}
	if len(projs) < 2 {
		return nil, errors.Errorf("triangulation needs at least 2 views, got %d", len(projs))
	}
	for i, p := range projs {
		if r, c := p.Dims(); r != 3 || c != 4 {
			return nil, errors.Errorf("projection matrix %d must be 3x4, got %dx%d", i, r, c)
		}
	}

	x, w, err := solveDLTConditioned(projs, pts, cfg.ConditionThreshold)
	if err != nil {
		return nil, err
	}
	if math.Abs(w) < 1e-12 {
		return nil, newDegenerateTriangulationError("point at infinity (homogeneous w = %g)", w)
	}

	centers := make([]r3.Vector, len(projs))
	for i, p := range projs {
		c, ok := cameraCenter(p)
		if !ok {
			return nil, newDegenerateTriangulationError("camera %d has no finite center", i)
		}
		centers[i] = c
	}
	baseline := 0.
	parallax := 0.
	for i := range centers {
		for j := i + 1; j < len(centers); j++ {
			baseline = math.Max(baseline, centers[i].Distance(centers[j]))
			parallax = math.Max(parallax, float64(x.Sub(centers[i]).Angle(x.Sub(centers[j]))))
		}
	}
	if baseline < cfg.MinBaseline {
		return nil, newDegenerateTriangulationError("baseline %g is below %g", baseline, cfg.MinBaseline)
	}
	parallaxDeg := utils.RadToDeg(parallax)
	if parallaxDeg < cfg.MinParallaxDegrees {
		return nil, newDegenerateTriangulationError("parallax %g degrees is below %g", parallaxDeg, cfg.MinParallaxDegrees)
	}

	result := &TriangulatedPoint{
		Position:           x,
		ReprojectionErrors: make([]float64, len(projs)),
		ParallaxDegrees:    parallaxDeg,
	}
	for i, p := range projs {
		proj, depth := projectPoint(p, x)
		if depth <= 0 {
			return nil, newDegenerateTriangulationError("point lies behind camera %d", i)
		}
		result.ReprojectionErrors[i] = proj.Sub(pts[i]).Norm()
		if result.ReprojectionErrors[i] > cfg.ReprojectionThreshold {
			result.LowConfidence = true
		}
	}
	return result, nil
}

// solveDLT solves the DLT system without conditioning checks and returns the dehomogenized point
// and its homogeneous w.
func solveDLT(projs []*mat.Dense, pts []r2.Point) (r3.Vector, float64, error) {
	return solveDLTConditioned(projs, pts, 0)
}

func solveDLTConditioned(projs []*mat.Dense, pts []r2.Point, conditionThreshold float64) (r3.Vector, float64, error) {
	a := mat.NewDense(2*len(projs), 4, nil)
	row := make([]float64, 4)
	for i, p := range projs {
		for k, coord := range []float64{pts[i].X, pts[i].Y} {
			// coord * P3 - P(k)
			for c := 0; c < 4; c++ {
				row[c] = coord*p.At(2, c) - p.At(k, c)
			}
			if n := floats.Norm(row, 2); n > 0 {
				floats.Scale(1/n, row)
			}
			a.SetRow(2*i+k, row)
		}
	}
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDFull); !ok {
		return r3.Vector{}, 0, newDegenerateTriangulationError("singular value decomposition failed")
	}
	values := svd.Values(nil)
	if values[0] == 0 {
		return r3.Vector{}, 0, newDegenerateTriangulationError("empty linear system")
	}
	// a well posed system has a one dimensional null space: s[2] clearly above zero
	if ratio := values[2] / values[0]; ratio < conditionThreshold {
		return r3.Vector{}, 0, newDegenerateTriangulationError("ill-conditioned system (singular value ratio %g)", ratio)
	}
	var v mat.Dense
	svd.VTo(&v)
	w := v.At(3, 3)
	if w == 0 {
		return r3.Vector{}, 0, nil
	}
	return r3.Vector{X: v.At(0, 3) / w, Y: v.At(1, 3) / w, Z: v.At(2, 3) / w}, w, nil
}

// cameraCenter returns the world point projecting to zero under p, the right null vector of p.
func cameraCenter(p *mat.Dense) (r3.Vector, bool) {
	var svd mat.SVD
	if ok := svd.Factorize(p, mat.SVDFull); !ok {
		return r3.Vector{}, false
	}
	var v mat.Dense
	svd.VTo(&v)
	w := v.At(3, 3)
	if math.Abs(w) < 1e-12 {
		return r3.Vector{}, false
	}
	return r3.Vector{X: v.At(0, 3) / w, Y: v.At(1, 3) / w, Z: v.At(2, 3) / w}, true
}

// projectPoint returns the pixel x projects to under p and its depth sign relative to the camera.
func projectPoint(p *mat.Dense, x r3.Vector) (r2.Point, float64) {
	h := [3]float64{}
	for r := 0; r < 3; r++ {
		h[r] = p.At(r, 0)*x.X + p.At(r, 1)*x.Y + p.At(r, 2)*x.Z + p.At(r, 3)
	}
	depth := h[2] * math.Copysign(1, mat.Det(p.Slice(0, 3, 0, 3)))
	if h[2] == 0 {
		return r2.Point{X: math.Inf(1), Y: math.Inf(1)}, depth
	}
	return r2.Point{X: h[0] / h[2], Y: h[1] / h[2]}, depth
}

// ProjectPoint projects a world point through a 3x4 projection matrix. The second return is false
// when the point is not in front of the camera.
func ProjectPoint(p *mat.Dense, x r3.Vector) (r2.Point, bool) {
	pt, depth := projectPoint(p, x)
	return pt, depth > 0
}
