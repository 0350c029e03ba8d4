package transform

import (
	"fmt"

	"github.com/pkg/errors"
)

// MinimalSampleSize is the number of correspondences the eight point algorithm needs.
const MinimalSampleSize = 8

// ErrEstimationBudgetExceeded is returned when robust estimation runs out of its time budget.
var ErrEstimationBudgetExceeded = errors.New("geometry estimation exceeded its time budget")

// InsufficientCorrespondencesError is returned when too few correspondences are available to
// estimate two view geometry, either as input or after inlier filtering.
type InsufficientCorrespondencesError struct {
	Have           int
	Need           int
	AfterFiltering bool
}

func (e *InsufficientCorrespondencesError) Error() string {
	if e.AfterFiltering {
		return fmt.Sprintf("insufficient correspondences: %d inliers survived filtering, need %d", e.Have, e.Need)
	}
	return fmt.Sprintf("insufficient correspondences: have %d, need %d", e.Have, e.Need)
}

// NewInsufficientCorrespondencesError returns an InsufficientCorrespondencesError for the eight point minimum.
func NewInsufficientCorrespondencesError(have int, afterFiltering bool) error {
	return &InsufficientCorrespondencesError{Have: have, Need: MinimalSampleSize, AfterFiltering: afterFiltering}
}

// DegenerateGeometryError is returned when the correspondences do not constrain the epipolar
// geometry, e.g. coplanar or repeated points.
type DegenerateGeometryError struct {
	Reason string
}

func (e *DegenerateGeometryError) Error() string {
	return "degenerate two view geometry: " + e.Reason
}

// DegenerateTriangulationError is returned when a point cannot be reliably triangulated.
type DegenerateTriangulationError struct {
	Reason string
}

func (e *DegenerateTriangulationError) Error() string {
	return "degenerate triangulation: " + e.Reason
}

func newDegenerateTriangulationError(format string, args ...interface{}) error {
	return &DegenerateTriangulationError{Reason: fmt.Sprintf(format, args...)}
}
