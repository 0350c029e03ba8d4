package sfm

import (
	"encoding/json"

	"github.com/a8m/envsubst"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"

	"github.com/ift6142/ringsfm/rimage/transform"
	"github.com/ift6142/ringsfm/utils"
	"github.com/ift6142/ringsfm/vision/keypoints"
)

// Extractor names accepted by Config.Extractor.
const (
	ExtractorSIFT  = "sift"
	ExtractorBRIEF = "brief"
)

// Config contains the parameters of a reconstruction run.
type Config struct {
	Extractor     string                          `json:"extractor"`
	SIFT          *keypoints.SIFTConfig           `json:"sift"`
	BRIEF         *keypoints.BRIEFExtractorConfig `json:"brief"`
	Matching      *keypoints.MatchingConfig       `json:"matching"`
	Geometry      *transform.GeometryConfig       `json:"geometry"`
	Triangulation *transform.TriangulationConfig  `json:"triangulation"`

	// Workers bounds every worker pool. Zero means one worker per CPU.
	Workers int `json:"workers"`
	// ClosedRing adds the pair (n-1, 0).
	ClosedRing bool `json:"closed_ring"`
	// PairSpan adds the pairs (i, i+s) for every 1 < s <= PairSpan.
	PairSpan int `json:"pair_span"`

	// DedupEpsilon is the distance below which points sharing an observation are merged.
	DedupEpsilon         float64 `json:"dedup_epsilon"`
	DiscardLowConfidence bool    `json:"discard_low_confidence"`

	// MinSuccessRatio is the fraction of pairs that must succeed for the run to succeed.
	MinSuccessRatio float64 `json:"min_success_ratio"`
	// MaxConsecutiveFailures fails the run once that many consecutive ring pairs failed. Zero disables it.
	MaxConsecutiveFailures int `json:"max_consecutive_failures"`
	// ValidatePoses also estimates the geometry of pairs with known poses and reports how far the
	// estimated rotation is from the provided one.
	ValidatePoses bool `json:"validate_poses"`

	// ReportDir receives a reprojection error histogram when set.
	ReportDir string `json:"report_dir"`
}

// DefaultConfig returns the default reconstruction parameters.
func DefaultConfig() *Config {
	return &Config{
		Extractor:       ExtractorSIFT,
		SIFT:            keypoints.DefaultSIFTConfig(),
		BRIEF:           &keypoints.BRIEFExtractorConfig{DoGConf: keypoints.DefaultDoGConfig(), BRIEFConf: keypoints.DefaultBRIEFConfig()},
		Matching:        keypoints.DefaultMatchingConfig(),
		Geometry:        transform.DefaultGeometryConfig(),
		Triangulation:   transform.DefaultTriangulationConfig(),
		ClosedRing:      true,
		PairSpan:        1,
		DedupEpsilon:    1e-3,
		MinSuccessRatio: 0.5,
	}
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	switch cfg.Extractor {
	case ExtractorSIFT:
		if cfg.SIFT == nil {
			return utils.NewConfigValidationFieldRequiredError(path, "sift")
		}
		if err := cfg.SIFT.Validate(path + ".sift"); err != nil {
			return err
		}
	case ExtractorBRIEF:
		if cfg.BRIEF == nil {
			return utils.NewConfigValidationFieldRequiredError(path, "brief")
		}
		if err := cfg.BRIEF.Validate(path + ".brief"); err != nil {
			return err
		}
	default:
		return utils.NewConfigValidationError(path, errors.Errorf("unknown extractor %q", cfg.Extractor))
	}
	if cfg.Matching == nil {
		return utils.NewConfigValidationFieldRequiredError(path, "matching")
	}
	if err := cfg.Matching.Validate(path + ".matching"); err != nil {
		return err
	}
	if cfg.Geometry == nil {
		return utils.NewConfigValidationFieldRequiredError(path, "geometry")
	}
	if err := cfg.Geometry.Validate(path + ".geometry"); err != nil {
		return err
	}
	if cfg.Triangulation == nil {
		return utils.NewConfigValidationFieldRequiredError(path, "triangulation")
	}
	if err := cfg.Triangulation.Validate(path + ".triangulation"); err != nil {
		return err
	}
	if cfg.Workers < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("workers cannot be negative, got %d", cfg.Workers))
	}
	if cfg.PairSpan < 1 {
		return utils.NewConfigValidationError(path, errors.Errorf("pair_span must be at least 1, got %d", cfg.PairSpan))
	}
	if cfg.DedupEpsilon < 0 {
		return utils.NewConfigValidationError(path, errors.Errorf("dedup_epsilon cannot be negative, got %v", cfg.DedupEpsilon))
	}
	if cfg.MinSuccessRatio < 0 || cfg.MinSuccessRatio > 1 {
		return utils.NewConfigValidationError(path, errors.Errorf("min_success_ratio must be in [0, 1], got %v", cfg.MinSuccessRatio))
	}
	if cfg.MaxConsecutiveFailures < 0 {
		return utils.NewConfigValidationError(path,
			errors.Errorf("max_consecutive_failures cannot be negative, got %d", cfg.MaxConsecutiveFailures))
	}
	return nil
}

// LoadConfig reads a JSON config file, substituting ${VAR} references from the environment.
// Fields missing from the file keep their default value.
func LoadConfig(path string) (*Config, error) {
	buf, err := envsubst.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var attributes map[string]interface{}
	if err := json.Unmarshal(buf, &attributes); err != nil {
		return nil, errors.Wrapf(err, "cannot parse config %q", path)
	}
	cfg, err := NewConfigFromAttributes(attributes)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot decode config %q", path)
	}
	if err := cfg.Validate(path); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewConfigFromAttributes decodes a generic attribute map, as found in a larger JSON or YAML
// document, over the default config. Durations may be given as strings such as "500ms".
func NewConfigFromAttributes(attributes map[string]interface{}) (*Config, error) {
	cfg := DefaultConfig()
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "json",
		Result:      cfg,
		ErrorUnused: true,
		DecodeHook:  mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return nil, err
	}
	if err := decoder.Decode(attributes); err != nil {
		return nil, err
	}
	return cfg, nil
}
