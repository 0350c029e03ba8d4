package keypoints

import (
	"math"
	"sort"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/ift6142/ringsfm/rimage"
	"github.com/ift6142/ringsfm/utils"
)

const (
	// pixels ignored at the border of every octave
	imgBorder = 5
	// max quadratic refinement steps of an extremum
	maxRefineSteps = 5
	orientationBins = 36
	// orientation histogram peaks above this fraction of the max spawn a keypoint
	orientationPeakRatio = 0.8
	orientationSigmaFactor = 1.5
)

// DoGConfig holds the parameters of the difference of gaussians keypoint detector.
type DoGConfig struct {
	// Octaves is the number of octaves, 0 picks as many as the image size allows.
	Octaves         int     `json:"n_octaves"`
	ScalesPerOctave int     `json:"scales_per_octave"`
	Sigma           float64 `json:"sigma"`
	// AssumedBlur is the blur already present in the input image.
	AssumedBlur       float64 `json:"assumed_blur"`
	Upsample          bool    `json:"upsample"`
	ContrastThreshold float64 `json:"contrast_threshold"`
	EdgeThreshold     float64 `json:"edge_threshold"`
	// MaxKeypoints keeps only the strongest responses, 0 keeps all.
	MaxKeypoints int `json:"max_keypoints"`
}

// DefaultDoGConfig returns Lowe's detector parameters.
func DefaultDoGConfig() *DoGConfig {
	return &DoGConfig{
		ScalesPerOctave:   3,
		Sigma:             1.6,
		AssumedBlur:       0.5,
		ContrastThreshold: 0.04,
		EdgeThreshold:     10,
	}
}

// Validate ensures all parts of the DoGConfig are valid.
func (config *DoGConfig) Validate(path string) error {
	if config.Octaves < 0 {
		return utils.NewConfigValidationError(path, errors.New("n_octaves should be >= 0"))
	}
	if config.ScalesPerOctave < 1 {
		return utils.NewConfigValidationError(path, errors.New("scales_per_octave should be >= 1"))
	}
	if config.Sigma <= 0 {
		return utils.NewConfigValidationError(path, errors.New("sigma should be positive"))
	}
	if config.AssumedBlur < 0 {
		return utils.NewConfigValidationError(path, errors.New("assumed_blur should be >= 0"))
	}
	if config.ContrastThreshold < 0 {
		return utils.NewConfigValidationError(path, errors.New("contrast_threshold should be >= 0"))
	}
	if config.EdgeThreshold <= 1 {
		return utils.NewConfigValidationError(path, errors.New("edge_threshold should be greater than 1"))
	}
	if config.MaxKeypoints < 0 {
		return utils.NewConfigValidationError(path, errors.New("max_keypoints should be >= 0"))
	}
	return nil
}

// scaleSpace holds the gaussian and difference of gaussian pyramids of an image.
type scaleSpace struct {
	cfg         *DoGConfig
	gaussians   [][]*rimage.FloatImage
	dogs        [][]*rimage.FloatImage
	firstOctave int
}

// detection is a keypoint plus where it was found in the scale space.
type detection struct {
	kp          Keypoint
	octave      int
	layer       int
	x, y        float64
	octaveScale float64
}

func buildScaleSpace(img *rimage.FloatImage, cfg *DoGConfig) *scaleSpace {
	ss := &scaleSpace{cfg: cfg}
	base := img
	assumed := cfg.AssumedBlur
	if cfg.Upsample {
		base = img.Upsample()
		assumed *= 2
		ss.firstOctave = -1
	}
	base = base.GaussianBlur(math.Sqrt(math.Max(cfg.Sigma*cfg.Sigma-assumed*assumed, 0.01)))

	nOctaves := cfg.Octaves
	if nOctaves == 0 {
		minDim := utils.MinInt(base.Width(), base.Height())
		nOctaves = utils.MaxInt(1, int(math.Log2(float64(minDim)))-2)
	}
	s := cfg.ScalesPerOctave
	k := math.Pow(2, 1/float64(s))
	// incremental blur between consecutive layers
	sigmas := make([]float64, s+3)
	for i := 1; i < s+3; i++ {
		prev := math.Pow(k, float64(i-1)) * cfg.Sigma
		total := prev * k
		sigmas[i] = math.Sqrt(total*total - prev*prev)
	}

	for o := 0; o < nOctaves; o++ {
		if utils.MinInt(base.Width(), base.Height()) < 2*imgBorder+3 {
			break
		}
		layers := make([]*rimage.FloatImage, s+3)
		layers[0] = base
		for i := 1; i < s+3; i++ {
			layers[i] = layers[i-1].GaussianBlur(sigmas[i])
		}
		dogs := make([]*rimage.FloatImage, s+2)
		for i := range dogs {
			//nolint:errcheck
			dogs[i], _ = layers[i+1].Subtract(layers[i])
		}
		ss.gaussians = append(ss.gaussians, layers)
		ss.dogs = append(ss.dogs, dogs)
		base = layers[s].Downsample()
	}
	return ss
}

// detect finds, refines and orients scale space extrema. Detections are ordered by decreasing
// response and capped at MaxKeypoints.
func (ss *scaleSpace) detect() []detection {
	s := ss.cfg.ScalesPerOctave
	threshold := 0.5 * ss.cfg.ContrastThreshold / float64(s)
	seen := map[[4]int]bool{}
	var out []detection
	for o, dogs := range ss.dogs {
		w, h := dogs[0].Width(), dogs[0].Height()
		for layer := 1; layer <= s; layer++ {
			for y := imgBorder; y < h-imgBorder; y++ {
				for x := imgBorder; x < w-imgBorder; x++ {
					v := dogs[layer].Get(x, y)
					if math.Abs(v) <= threshold || !isExtremum(dogs, layer, x, y, v) {
						continue
					}
					det, key, ok := ss.refine(o, layer, x, y)
					if !ok || seen[key] {
						continue
					}
					seen[key] = true
					for _, angle := range ss.orientations(det) {
						oriented := det
						oriented.kp.Orientation = angle
						out = append(out, oriented)
					}
				}
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return keypointLess(out[i].kp, out[j].kp)
	})
	if ss.cfg.MaxKeypoints > 0 && len(out) > ss.cfg.MaxKeypoints {
		out = out[:ss.cfg.MaxKeypoints]
	}
	return out
}

func isExtremum(dogs []*rimage.FloatImage, layer, x, y int, v float64) bool {
	isMax, isMin := v > 0, v < 0
	for l := layer - 1; l <= layer+1; l++ {
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				if l == layer && dx == 0 && dy == 0 {
					continue
				}
				n := dogs[l].Get(x+dx, y+dy)
				if n > v {
					isMax = false
				}
				if n < v {
					isMin = false
				}
				if !isMax && !isMin {
					return false
				}
			}
		}
	}
	return true
}

// refine fits a quadratic to the DoG around (x, y, layer) and moves to its extremum, rejecting
// low contrast and edge responses.
func (ss *scaleSpace) refine(o, layer, x, y int) (detection, [4]int, bool) {
	dogs := ss.dogs[o]
	s := ss.cfg.ScalesPerOctave
	w, h := dogs[0].Width(), dogs[0].Height()
	var grad [3]float64
	var off [3]float64
	var hess *mat.Dense
	converged := false
	for i := 0; i < maxRefineSteps; i++ {
		grad, hess = derivatives(dogs, layer, x, y)
		var sol mat.VecDense
		if err := sol.SolveVec(hess, mat.NewVecDense(3, grad[:])); err != nil {
			return detection{}, [4]int{}, false
		}
		off = [3]float64{-sol.AtVec(0), -sol.AtVec(1), -sol.AtVec(2)}
		if math.Abs(off[0]) < 0.5 && math.Abs(off[1]) < 0.5 && math.Abs(off[2]) < 0.5 {
			converged = true
			break
		}
		if math.Abs(off[0]) > float64(w) || math.Abs(off[1]) > float64(h) || math.Abs(off[2]) > float64(s) {
			return detection{}, [4]int{}, false
		}
		x += int(math.Round(off[0]))
		y += int(math.Round(off[1]))
		layer += int(math.Round(off[2]))
		if layer < 1 || layer > s || x < imgBorder || x >= w-imgBorder || y < imgBorder || y >= h-imgBorder {
			return detection{}, [4]int{}, false
		}
	}
	if !converged {
		return detection{}, [4]int{}, false
	}

	contrast := dogs[layer].Get(x, y) + 0.5*(grad[0]*off[0]+grad[1]*off[1]+grad[2]*off[2])
	if math.Abs(contrast)*float64(s) < ss.cfg.ContrastThreshold {
		return detection{}, [4]int{}, false
	}
	dxx, dyy, dxy := hess.At(0, 0), hess.At(1, 1), hess.At(0, 1)
	tr, det := dxx+dyy, dxx*dyy-dxy*dxy
	r := ss.cfg.EdgeThreshold
	if det <= 0 || tr*tr*r >= (r+1)*(r+1)*det {
		return detection{}, [4]int{}, false
	}

	octX, octY := float64(x)+off[0], float64(y)+off[1]
	octaveScale := ss.cfg.Sigma * math.Pow(2, (float64(layer)+off[2])/float64(s))
	factor := math.Pow(2, float64(o+ss.firstOctave))
	return detection{
		kp: Keypoint{
			Point:    r2.Point{X: octX * factor, Y: octY * factor},
			Scale:    octaveScale * factor,
			Octave:   o + ss.firstOctave,
			Response: math.Abs(contrast),
		},
		octave:      o,
		layer:       layer,
		x:           octX,
		y:           octY,
		octaveScale: octaveScale,
	}, [4]int{o, layer, x, y}, true
}

// derivatives returns the gradient and hessian of the DoG stack at (x, y, layer) by finite differences.
func derivatives(dogs []*rimage.FloatImage, layer, x, y int) ([3]float64, *mat.Dense) {
	prev, cur, next := dogs[layer-1], dogs[layer], dogs[layer+1]
	v := cur.Get(x, y)
	grad := [3]float64{
		(cur.Get(x+1, y) - cur.Get(x-1, y)) / 2,
		(cur.Get(x, y+1) - cur.Get(x, y-1)) / 2,
		(next.Get(x, y) - prev.Get(x, y)) / 2,
	}
	dxx := cur.Get(x+1, y) + cur.Get(x-1, y) - 2*v
	dyy := cur.Get(x, y+1) + cur.Get(x, y-1) - 2*v
	dss := next.Get(x, y) + prev.Get(x, y) - 2*v
	dxy := (cur.Get(x+1, y+1) - cur.Get(x-1, y+1) - cur.Get(x+1, y-1) + cur.Get(x-1, y-1)) / 4
	dxs := (next.Get(x+1, y) - next.Get(x-1, y) - prev.Get(x+1, y) + prev.Get(x-1, y)) / 4
	dys := (next.Get(x, y+1) - next.Get(x, y-1) - prev.Get(x, y+1) + prev.Get(x, y-1)) / 4
	return grad, mat.NewDense(3, 3, []float64{
		dxx, dxy, dxs,
		dxy, dyy, dys,
		dxs, dys, dss,
	})
}

// orientations returns the dominant gradient orientations around a detection, in [0, 2pi).
func (ss *scaleSpace) orientations(d detection) []float64 {
	img := ss.gaussians[d.octave][d.layer]
	sigma := orientationSigmaFactor * d.octaveScale
	radius := int(math.Round(3 * sigma))
	cx, cy := int(math.Round(d.x)), int(math.Round(d.y))
	var hist [orientationBins]float64
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			px, py := cx+dx, cy+dy
			if px <= 0 || py <= 0 || px >= img.Width()-1 || py >= img.Height()-1 {
				continue
			}
			mag, angle := img.Gradient(px, py)
			weight := math.Exp(-float64(dx*dx+dy*dy) / (2 * sigma * sigma))
			bin := int(math.Round(orientationBins*wrapAngle(angle)/(2*math.Pi))) % orientationBins
			hist[bin] += weight * mag
		}
	}
	var smooth [orientationBins]float64
	maxVal := 0.
	for i := range hist {
		at := func(k int) float64 { return hist[(k+orientationBins)%orientationBins] }
		smooth[i] = (at(i-2)+at(i+2))/16 + 4*(at(i-1)+at(i+1))/16 + 6*at(i)/16
		maxVal = math.Max(maxVal, smooth[i])
	}
	if maxVal == 0 {
		return []float64{0}
	}
	var angles []float64
	for i := range smooth {
		l := smooth[(i-1+orientationBins)%orientationBins]
		r := smooth[(i+1)%orientationBins]
		c := smooth[i]
		if c <= l || c <= r || c < orientationPeakRatio*maxVal {
			continue
		}
		bin := float64(i) + 0.5*(l-r)/(l-2*c+r)
		angles = append(angles, wrapAngle(bin*2*math.Pi/orientationBins))
	}
	if len(angles) == 0 {
		return []float64{0}
	}
	return angles
}

// wrapAngle maps an angle to [0, 2pi).
func wrapAngle(a float64) float64 {
	a = math.Mod(a, 2*math.Pi)
	if a < 0 {
		a += 2 * math.Pi
	}
	if a >= 2*math.Pi {
		a = 0
	}
	return a
}
