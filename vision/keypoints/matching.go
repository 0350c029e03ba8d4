package keypoints

import (
	"math"
	"sort"

	"github.com/pkg/errors"

	"github.com/ift6142/ringsfm/utils"
)

// MatchingConfig contains the parameters for matching descriptors.
type MatchingConfig struct {
	// RatioThreshold accepts a match only if best < ratio * secondBest.
	RatioThreshold float64 `json:"ratio_threshold"`
	DoCrossCheck   bool    `json:"do_cross_check"`
	// Distance is "euclidean" or "hamming".
	Distance string `json:"distance"`
	// IndexThreshold is the train set size from which a kd-tree replaces brute force search for
	// euclidean descriptors. 0 always uses brute force.
	IndexThreshold int `json:"index_threshold"`
	// MaxMatches keeps only the best matches, 0 keeps all.
	MaxMatches int `json:"max_matches"`
}

// DefaultMatchingConfig returns Lowe's ratio test with euclidean distances.
func DefaultMatchingConfig() *MatchingConfig {
	return &MatchingConfig{
		RatioThreshold: 0.75,
		Distance:       utils.Euclidean.String(),
		IndexThreshold: 128,
	}
}

// Validate ensures all parts of the MatchingConfig are valid.
func (cfg *MatchingConfig) Validate(path string) error {
	if cfg.RatioThreshold <= 0 || cfg.RatioThreshold > 1 {
		return utils.NewConfigValidationError(path, errors.Errorf("ratio_threshold must be in (0, 1], got %v", cfg.RatioThreshold))
	}
	if _, err := utils.DistanceTypeFromString(cfg.Distance); err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	if cfg.IndexThreshold < 0 {
		return utils.NewConfigValidationError(path, errors.New("index_threshold cannot be negative"))
	}
	if cfg.MaxMatches < 0 {
		return utils.NewConfigValidationError(path, errors.New("max_matches cannot be negative"))
	}
	return nil
}

// Correspondence links descriptor QueryIdx of the first set to TrainIdx of the second.
type Correspondence struct {
	QueryIdx int
	TrainIdx int
	Distance float64
	// Score is the match confidence in [0, 1], 1 - best/secondBest.
	Score float64
}

// Matcher pairs descriptors of two images.
type Matcher interface {
	Match(query, train []Descriptor) ([]Correspondence, error)
}

// DescriptorMatcher matches descriptors with a nearest neighbor ratio test and optional cross check.
type DescriptorMatcher struct {
	cfg      *MatchingConfig
	distType utils.DistanceType
}

// NewDescriptorMatcher returns a matcher, using the defaults when cfg is nil.
func NewDescriptorMatcher(cfg *MatchingConfig) (*DescriptorMatcher, error) {
	if cfg == nil {
		cfg = DefaultMatchingConfig()
	}
	if err := cfg.Validate("matching"); err != nil {
		return nil, err
	}
	distType, err := utils.DistanceTypeFromString(cfg.Distance)
	if err != nil {
		return nil, err
	}
	return &DescriptorMatcher{cfg: cfg, distType: distType}, nil
}

// Match returns for each query descriptor at most one train descriptor, sorted by increasing
// distance then query index. A query with a single train candidate passes the ratio test.
func (dm *DescriptorMatcher) Match(query, train []Descriptor) ([]Correspondence, error) {
	if len(query) == 0 || len(train) == 0 {
		return []Correspondence{}, nil
	}
	if err := checkDescriptorLengths(query, train); err != nil {
		return nil, err
	}
	trainIndex := dm.newIndex(train)
	var queryIndex descriptorIndex
	if dm.cfg.DoCrossCheck {
		queryIndex = dm.newIndex(query)
	}

	matches := make([]Correspondence, 0, len(query))
	for i, q := range query {
		best, second := trainIndex.nearestTwo(q)
		if best.idx < 0 || !(best.dist < dm.cfg.RatioThreshold*second.dist) {
			continue
		}
		if queryIndex != nil {
			if back, _ := queryIndex.nearestTwo(train[best.idx]); back.idx != i {
				continue
			}
		}
		score := 1.
		if !math.IsInf(second.dist, 1) {
			score = 1 - best.dist/second.dist
		}
		matches = append(matches, Correspondence{QueryIdx: i, TrainIdx: best.idx, Distance: best.dist, Score: score})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Distance != matches[j].Distance {
			return matches[i].Distance < matches[j].Distance
		}
		return matches[i].QueryIdx < matches[j].QueryIdx
	})
	if dm.cfg.MaxMatches > 0 && len(matches) > dm.cfg.MaxMatches {
		matches = matches[:dm.cfg.MaxMatches]
	}
	return matches, nil
}

func (dm *DescriptorMatcher) newIndex(descs []Descriptor) descriptorIndex {
	d := dm.distType.Distance()
	distance := func(a, b Descriptor) float64 { return d(a, b) }
	if dm.distType == utils.Euclidean && dm.cfg.IndexThreshold > 0 && len(descs) >= dm.cfg.IndexThreshold {
		return newKDDescriptorIndex(descs, distance)
	}
	return &bruteForceIndex{descs: descs, distance: distance}
}

func checkDescriptorLengths(query, train []Descriptor) error {
	size := len(query[0])
	if size == 0 {
		return errors.New("descriptors cannot be empty")
	}
	for i, d := range query {
		if len(d) != size {
			return errors.Errorf("query descriptor %d has length %d, expected %d", i, len(d), size)
		}
	}
	for i, d := range train {
		if len(d) != size {
			return errors.Errorf("train descriptor %d has length %d, expected %d", i, len(d), size)
		}
	}
	return nil
}
