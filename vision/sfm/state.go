package sfm

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// State is a stage of a reconstruction run.
type State int32

// The stages a run moves through in order. Failed is terminal and reachable from any stage but Done.
const (
	Idle State = iota
	ExtractingFeatures
	MatchingPairs
	EstimatingGeometry
	Triangulating
	Aggregating
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ExtractingFeatures:
		return "extracting_features"
	case MatchingPairs:
		return "matching_pairs"
	case EstimatingGeometry:
		return "estimating_geometry"
	case Triangulating:
		return "triangulating"
	case Aggregating:
		return "aggregating"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// Terminal returns whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Done || s == Failed
}

func legalTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == Failed {
		return true
	}
	return to == from+1
}

type stateMachine struct {
	state *atomic.Int32
}

func newStateMachine() stateMachine {
	return stateMachine{state: atomic.NewInt32(int32(Idle))}
}

func (sm stateMachine) current() State {
	return State(sm.state.Load())
}

// transition moves to the given state, rejecting anything but the next stage or Failed.
func (sm stateMachine) transition(to State) error {
	for {
		from := sm.current()
		if !legalTransition(from, to) {
			return errors.Errorf("illegal pipeline state transition %s -> %s", from, to)
		}
		if sm.state.CompareAndSwap(int32(from), int32(to)) {
			return nil
		}
	}
}
