// Package keypoints contains the implementation of keypoints in an image. For now:
// - difference of gaussians keypoints with SIFT or BRIEF descriptors
// - ratio test descriptor matching
package keypoints

import (
	"fmt"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"

	"github.com/ift6142/ringsfm/rimage"
)

// MinImageSize is the smallest width or height an extractor accepts.
const MinImageSize = 16

// Keypoint is a salient image location with the scale and orientation it was detected at.
type Keypoint struct {
	// Point is the sub-pixel position in image coordinates.
	Point       r2.Point
	Scale       float64
	Orientation float64
	Octave      int
	Response    float64
}

// Descriptor is a fixed length feature vector. Binary descriptors store one bit per entry as 0 or 1.
type Descriptor []float64

// Features holds the keypoints of an image and their descriptors, Descriptors[i] describing Keypoints[i].
type Features struct {
	Keypoints   []Keypoint
	Descriptors []Descriptor
}

// Len returns the number of features.
func (f *Features) Len() int {
	return len(f.Keypoints)
}

// Extractor finds keypoints in an image and describes them. Implementations are deterministic.
type Extractor interface {
	Extract(img *rimage.Image) (*Features, error)
	DescriptorSize() int
}

// ExtractionError is returned for images no keypoint can be extracted from.
type ExtractionError struct {
	Width, Height int
	Reason        string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("cannot extract features from %dx%d image: %s", e.Width, e.Height, e.Reason)
}

func checkExtractable(img *rimage.Image) error {
	if img == nil {
		return &ExtractionError{Reason: "image is nil"}
	}
	if img.Width() < MinImageSize || img.Height() < MinImageSize {
		return &ExtractionError{
			Width:  img.Width(),
			Height: img.Height(),
			Reason: fmt.Sprintf("smaller than the minimum size of %d pixels", MinImageSize),
		}
	}
	return nil
}

// keypointLess orders keypoints by decreasing response, then position, then orientation.
func keypointLess(a, b Keypoint) bool {
	if a.Response != b.Response {
		return a.Response > b.Response
	}
	if a.Point.Y != b.Point.Y {
		return a.Point.Y < b.Point.Y
	}
	if a.Point.X != b.Point.X {
		return a.Point.X < b.Point.X
	}
	return a.Orientation < b.Orientation
}

// GetMatchingKeyPoints takes the matches and the keypoints and returns the corresponding keypoint
// positions, in match order.
func GetMatchingKeyPoints(matches []Correspondence, kps1, kps2 []Keypoint) ([]r2.Point, []r2.Point, error) {
	pts1 := make([]r2.Point, len(matches))
	pts2 := make([]r2.Point, len(matches))
	for i, match := range matches {
		if match.QueryIdx < 0 || match.QueryIdx >= len(kps1) {
			return nil, nil, errors.Errorf("match %d references keypoint %d of %d in first set", i, match.QueryIdx, len(kps1))
		}
		if match.TrainIdx < 0 || match.TrainIdx >= len(kps2) {
			return nil, nil, errors.Errorf("match %d references keypoint %d of %d in second set", i, match.TrainIdx, len(kps2))
		}
		pts1[i] = kps1[match.QueryIdx].Point
		pts2[i] = kps2[match.TrainIdx].Point
	}
	return pts1, pts2, nil
}
