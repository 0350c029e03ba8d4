package keypoints

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	uts "go.viam.com/utils"
	"gonum.org/v1/gonum/floats"

	"github.com/ift6142/ringsfm/rimage"
	"github.com/ift6142/ringsfm/utils"
)

// SIFTConfig contains the parameters / configs needed to compute SIFT features.
type SIFTConfig struct {
	DoGConf *DoGConfig `json:"dog"`
	// WindowWidth is the number of spatial histogram cells per side.
	WindowWidth int `json:"window_width"`
	// OrientationBins is the number of orientation bins per cell.
	OrientationBins int `json:"orientation_bins"`
	// ClampValue caps descriptor entries before renormalization.
	ClampValue float64 `json:"clamp_value"`
	// CellSize is the width of a histogram cell in units of keypoint scale.
	CellSize float64 `json:"cell_size"`
}

// DefaultSIFTConfig returns the standard 128 dimensional SIFT setup.
func DefaultSIFTConfig() *SIFTConfig {
	return &SIFTConfig{
		DoGConf:         DefaultDoGConfig(),
		WindowWidth:     4,
		OrientationBins: 8,
		ClampValue:      0.2,
		CellSize:        3,
	}
}

// LoadSIFTConfiguration loads a SIFTConfig from a json file. Missing fields keep their default value.
func LoadSIFTConfiguration(file string) (*SIFTConfig, error) {
	config := DefaultSIFTConfig()
	if err := loadJSONConfig(file, config); err != nil {
		return nil, err
	}
	if err := config.Validate(file); err != nil {
		return nil, err
	}
	return config, nil
}

func loadJSONConfig(file string, config interface{}) error {
	filePath := filepath.Clean(file)
	//nolint:gosec
	configFile, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer uts.UncheckedErrorFunc(configFile.Close)
	jsonParser := json.NewDecoder(configFile)
	return jsonParser.Decode(config)
}

// Validate ensures all parts of the SIFTConfig are valid.
func (config *SIFTConfig) Validate(path string) error {
	if config.DoGConf == nil {
		return utils.NewConfigValidationFieldRequiredError(path, "dog")
	}
	if err := config.DoGConf.Validate(path); err != nil {
		return err
	}
	if config.WindowWidth < 1 {
		return utils.NewConfigValidationError(path, errors.New("window_width should be >= 1"))
	}
	if config.OrientationBins < 1 {
		return utils.NewConfigValidationError(path, errors.New("orientation_bins should be >= 1"))
	}
	if config.ClampValue <= 0 || config.ClampValue > 1 {
		return utils.NewConfigValidationError(path, errors.New("clamp_value should be in (0, 1]"))
	}
	if config.CellSize <= 0 {
		return utils.NewConfigValidationError(path, errors.New("cell_size should be positive"))
	}
	return nil
}

// SIFTExtractor detects difference of gaussians keypoints and describes them with gradient
// orientation histograms.
type SIFTExtractor struct {
	cfg *SIFTConfig
}

// NewSIFTExtractor returns a SIFT extractor, using the defaults when cfg is nil.
func NewSIFTExtractor(cfg *SIFTConfig) (*SIFTExtractor, error) {
	if cfg == nil {
		cfg = DefaultSIFTConfig()
	}
	if err := cfg.Validate("sift"); err != nil {
		return nil, err
	}
	return &SIFTExtractor{cfg: cfg}, nil
}

// DescriptorSize returns the length of SIFT descriptors, 128 with the default configuration.
func (se *SIFTExtractor) DescriptorSize() int {
	return se.cfg.WindowWidth * se.cfg.WindowWidth * se.cfg.OrientationBins
}

// Extract computes SIFT features on img.
func (se *SIFTExtractor) Extract(img *rimage.Image) (*Features, error) {
	if err := checkExtractable(img); err != nil {
		return nil, err
	}
	ss := buildScaleSpace(img.ToGrayFloat(), se.cfg.DoGConf)
	dets := ss.detect()
	features := &Features{
		Keypoints:   make([]Keypoint, len(dets)),
		Descriptors: make([]Descriptor, len(dets)),
	}
	for i, d := range dets {
		features.Keypoints[i] = d.kp
		features.Descriptors[i] = se.describe(ss, d)
	}
	return features, nil
}

// describe accumulates gradients around a detection, in the frame of its orientation, into a
// WindowWidth x WindowWidth grid of orientation histograms with trilinear interpolation.
func (se *SIFTExtractor) describe(ss *scaleSpace, d detection) Descriptor {
	img := ss.gaussians[d.octave][d.layer]
	width := se.cfg.WindowWidth
	bins := se.cfg.OrientationBins
	hist := make([]float64, width*width*bins)

	cellWidth := se.cfg.CellSize * d.octaveScale
	radius := int(math.Round(cellWidth * math.Sqrt2 * float64(width+1) * 0.5))
	maxRadius := int(math.Hypot(float64(img.Width()), float64(img.Height())))
	radius = utils.MinInt(radius, maxRadius)
	cosT, sinT := math.Cos(d.kp.Orientation)/cellWidth, math.Sin(d.kp.Orientation)/cellWidth
	half := float64(width) / 2
	gaussDenom := 2 * half * half
	cx, cy := int(math.Round(d.x)), int(math.Round(d.y))

	for i := -radius; i <= radius; i++ {
		for j := -radius; j <= radius; j++ {
			// sample offset rotated into the keypoint frame, in cell units
			rx := cosT*float64(j) + sinT*float64(i)
			ry := -sinT*float64(j) + cosT*float64(i)
			rbin := ry + half - 0.5
			cbin := rx + half - 0.5
			if rbin <= -1 || rbin >= float64(width) || cbin <= -1 || cbin >= float64(width) {
				continue
			}
			px, py := cx+j, cy+i
			if px <= 0 || py <= 0 || px >= img.Width()-1 || py >= img.Height()-1 {
				continue
			}
			mag, angle := img.Gradient(px, py)
			weight := math.Exp(-(rx*rx + ry*ry) / gaussDenom)
			obin := wrapAngle(angle-d.kp.Orientation) * float64(bins) / (2 * math.Pi)
			accumulateTrilinear(hist, width, bins, rbin, cbin, obin, weight*mag)
		}
	}

	norm := floats.Norm(hist, 2)
	if norm == 0 {
		return hist
	}
	floats.Scale(1/norm, hist)
	for k, v := range hist {
		hist[k] = math.Min(v, se.cfg.ClampValue)
	}
	if norm = floats.Norm(hist, 2); norm > 0 {
		floats.Scale(1/norm, hist)
	}
	return hist
}

func accumulateTrilinear(hist []float64, width, bins int, rbin, cbin, obin, v float64) {
	r0, c0, o0 := math.Floor(rbin), math.Floor(cbin), math.Floor(obin)
	dr, dc, do := rbin-r0, cbin-c0, obin-o0
	for ri := 0; ri <= 1; ri++ {
		r := int(r0) + ri
		if r < 0 || r >= width {
			continue
		}
		wr := 1 - dr
		if ri == 1 {
			wr = dr
		}
		for ci := 0; ci <= 1; ci++ {
			c := int(c0) + ci
			if c < 0 || c >= width {
				continue
			}
			wc := 1 - dc
			if ci == 1 {
				wc = dc
			}
			for oi := 0; oi <= 1; oi++ {
				o := (int(o0) + oi) % bins
				wo := 1 - do
				if oi == 1 {
					wo = do
				}
				hist[(r*width+c)*bins+o] += v * wr * wc * wo
			}
		}
	}
}
