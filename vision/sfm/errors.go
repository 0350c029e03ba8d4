package sfm

import (
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

// PipelineFailure is returned when too many view pairs failed for the reconstruction to be
// trusted. Points aggregated before the failure are still available from the result.
type PipelineFailure struct {
	FailedPairs  []ViewPair
	Reasons      []string
	SuccessRatio float64
	// Consecutive is the longest run of failed consecutive ring pairs.
	Consecutive int
	Policy      string
	err         error
}

func newPipelineFailure(diags []PairDiagnostics, successRatio float64, consecutive int, policy string) *PipelineFailure {
	pf := &PipelineFailure{SuccessRatio: successRatio, Consecutive: consecutive, Policy: policy}
	for _, d := range diags {
		if !d.Failed() {
			continue
		}
		pf.FailedPairs = append(pf.FailedPairs, d.Pair)
		pf.Reasons = append(pf.Reasons, d.FailureReason())
		pf.err = multierr.Append(pf.err, fmt.Errorf("pair %s: %w", d.Pair, d.Err))
	}
	return pf
}

func (pf *PipelineFailure) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "reconstruction failed (%s): %d view pairs failed, success ratio %.2f",
		pf.Policy, len(pf.FailedPairs), pf.SuccessRatio)
	for i, pair := range pf.FailedPairs {
		fmt.Fprintf(&sb, "; %s: %s", pair, pf.Reasons[i])
	}
	return sb.String()
}

// Unwrap returns the combined per pair errors.
func (pf *PipelineFailure) Unwrap() error {
	return pf.err
}
