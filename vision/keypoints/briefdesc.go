package keypoints

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/ift6142/ringsfm/rimage"
	"github.com/ift6142/ringsfm/utils"
)

// SamplingType stores 0 if a sampling of image points for BRIEF is uniform, 1 if gaussian.
type SamplingType int

const (
	uniform SamplingType = iota // 0
	normal                      // 1
	fixed                       // 2
)

// SamplePoint is an offset from a keypoint, in units of keypoint scale.
type SamplePoint struct {
	X, Y float64
}

// SamplePairs are N pairs of points used to create the BRIEF Descriptors of a patch.
type SamplePairs struct {
	P0 []SamplePoint
	P1 []SamplePoint
	N  int
}

// GenerateSamplePairs generates n samples for a patch size with the chosen Sampling Type.
// The same seed always gives the same pairs.
func GenerateSamplePairs(dist SamplingType, n, patchSize int, seed int64) *SamplePairs {
	//nolint:gosec
	rng := rand.New(rand.NewSource(seed))
	var xs0, ys0, xs1, ys1 []float64
	xs0 = sampleCoordinates(rng, patchSize, n, dist)
	ys0 = sampleCoordinates(rng, patchSize, n, dist)
	xs1 = sampleCoordinates(rng, patchSize, n, dist)
	if dist == fixed {
		for i := 0; i < n; i++ {
			ys1 = append(ys1, -ys0[i])
			if i%2 == 0 {
				xs0[i] = 2 * xs0[i] / 3
				xs1[i] = -2 * xs1[i] / 3
				ys1[i] = ys0[i]
			}
		}
	} else {
		ys1 = sampleCoordinates(rng, patchSize, n, dist)
	}
	p0 := make([]SamplePoint, 0, n)
	p1 := make([]SamplePoint, 0, n)
	for i := 0; i < n; i++ {
		p0 = append(p0, SamplePoint{X: xs0[i], Y: ys0[i]})
		p1 = append(p1, SamplePoint{X: xs1[i], Y: ys1[i]})
	}
	return &SamplePairs{P0: p0, P1: p1, N: n}
}

func sampleCoordinates(rng *rand.Rand, patchSize, n int, sampling SamplingType) []float64 {
	vMin := math.Round(-(float64(patchSize) - 2) / 2.)
	vMax := math.Round(float64(patchSize) / 2.)
	out := make([]float64, n)
	for i := range out {
		switch sampling {
		case normal:
			// isotropic gaussian with sigma^2 = S^2/25, clipped to the patch
			v := rng.NormFloat64() * float64(patchSize) / 5
			out[i] = math.Round(utils.ClampF64(v, vMin, vMax))
		case fixed:
			if n > 1 {
				out[i] = math.Round(vMin + float64(i)*(vMax-vMin)/float64(n-1))
			}
		case uniform:
			fallthrough
		default:
			out[i] = float64(utils.MinInt(int(vMax), int(vMin)+rng.Intn(int(vMax-vMin)+1)))
		}
	}
	if sampling == fixed {
		rng.Shuffle(n, func(i, j int) { out[i], out[j] = out[j], out[i] })
	}
	return out
}

// BRIEFConfig stores the parameters.
type BRIEFConfig struct {
	N              int          `json:"n"` // number of samples taken
	Sampling       SamplingType `json:"sampling"`
	UseOrientation bool         `json:"use_orientation"`
	PatchSize      int          `json:"patch_size"`
	Seed           int64        `json:"seed"`
}

// DefaultBRIEFConfig returns a 256 bit oriented BRIEF configuration.
func DefaultBRIEFConfig() *BRIEFConfig {
	return &BRIEFConfig{N: 256, Sampling: normal, UseOrientation: true, PatchSize: 24, Seed: 42}
}

// Validate ensures all parts of the BRIEFConfig are valid.
func (config *BRIEFConfig) Validate(path string) error {
	if config.N < 1 {
		return utils.NewConfigValidationError(path, errors.New("n should be >= 1"))
	}
	if config.Sampling < uniform || config.Sampling > fixed {
		return utils.NewConfigValidationError(path, errors.Errorf("unknown sampling type %d", config.Sampling))
	}
	if config.PatchSize < 4 {
		return utils.NewConfigValidationError(path, errors.New("patch_size should be >= 4"))
	}
	return nil
}

// BRIEFExtractorConfig combines the detector and BRIEF parameters, the way ORB pairs FAST and BRIEF.
type BRIEFExtractorConfig struct {
	DoGConf   *DoGConfig   `json:"dog"`
	BRIEFConf *BRIEFConfig `json:"brief"`
}

// LoadBRIEFExtractorConfiguration loads a BRIEFExtractorConfig from a json file.
func LoadBRIEFExtractorConfiguration(file string) (*BRIEFExtractorConfig, error) {
	config := &BRIEFExtractorConfig{DoGConf: DefaultDoGConfig(), BRIEFConf: DefaultBRIEFConfig()}
	if err := loadJSONConfig(file, config); err != nil {
		return nil, err
	}
	if err := config.Validate(file); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate ensures all parts of the BRIEFExtractorConfig are valid.
func (config *BRIEFExtractorConfig) Validate(path string) error {
	if config.DoGConf == nil {
		return utils.NewConfigValidationFieldRequiredError(path, "dog")
	}
	if config.BRIEFConf == nil {
		return utils.NewConfigValidationFieldRequiredError(path, "brief")
	}
	if err := config.DoGConf.Validate(path); err != nil {
		return err
	}
	return config.BRIEFConf.Validate(path)
}

// BRIEFExtractor describes difference of gaussians keypoints with binary intensity comparisons.
type BRIEFExtractor struct {
	cfg   *BRIEFExtractorConfig
	pairs *SamplePairs
}

// NewBRIEFExtractor returns a BRIEF extractor, using the defaults when cfg is nil.
func NewBRIEFExtractor(cfg *BRIEFExtractorConfig) (*BRIEFExtractor, error) {
	if cfg == nil {
		cfg = &BRIEFExtractorConfig{DoGConf: DefaultDoGConfig(), BRIEFConf: DefaultBRIEFConfig()}
	}
	if err := cfg.Validate("brief"); err != nil {
		return nil, err
	}
	b := cfg.BRIEFConf
	return &BRIEFExtractor{cfg: cfg, pairs: GenerateSamplePairs(b.Sampling, b.N, b.PatchSize, b.Seed)}, nil
}

// DescriptorSize returns the number of bits of a descriptor.
func (be *BRIEFExtractor) DescriptorSize() int {
	return be.pairs.N
}

// Extract computes BRIEF features on img.
func (be *BRIEFExtractor) Extract(img *rimage.Image) (*Features, error) {
	if err := checkExtractable(img); err != nil {
		return nil, err
	}
	ss := buildScaleSpace(img.ToGrayFloat(), be.cfg.DoGConf)
	dets := ss.detect()
	features := &Features{
		Keypoints:   make([]Keypoint, len(dets)),
		Descriptors: make([]Descriptor, len(dets)),
	}
	for i, d := range dets {
		features.Keypoints[i] = d.kp
		features.Descriptors[i] = be.describe(ss, d)
	}
	return features, nil
}

// describe compares smoothed intensities at the sample pairs, scaled to the keypoint and
// optionally rotated to its orientation.
func (be *BRIEFExtractor) describe(ss *scaleSpace, d detection) Descriptor {
	img := ss.gaussians[d.octave][d.layer]
	scale := d.octaveScale / be.cfg.DoGConf.Sigma
	cosTheta, sinTheta := scale, 0.
	if be.cfg.BRIEFConf.UseOrientation {
		cosTheta = scale * math.Cos(d.kp.Orientation)
		sinTheta = scale * math.Sin(d.kp.Orientation)
	}
	sample := func(p SamplePoint) float64 {
		x := d.x + cosTheta*p.X - sinTheta*p.Y
		y := d.y + sinTheta*p.X + cosTheta*p.Y
		return img.GetClamped(int(math.Round(x)), int(math.Round(y)))
	}
	descriptor := make(Descriptor, be.pairs.N)
	for i := 0; i < be.pairs.N; i++ {
		if sample(be.pairs.P0[i]) > sample(be.pairs.P1[i]) {
			descriptor[i] = 1
		}
	}
	return descriptor
}
