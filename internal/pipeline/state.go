package pipeline

import "fmt"

// StageState is one shard stage's position in its state machine:
// Planned -> Dispatched -> Awaiting -> (Completed | Retrying | Failed).
// Retrying loops back to Dispatched for the next attempt; it is not itself
// terminal.
type StageState string

const (
	StagePlanned    StageState = "Planned"
	StageDispatched StageState = "Dispatched"
	StageAwaiting   StageState = "Awaiting"
	StageCompleted  StageState = "Completed"
	StageRetrying   StageState = "Retrying"
	StageFailed     StageState = "Failed"
)

var allowedStageTransitions = map[StageState]map[StageState]bool{
	StagePlanned:    {StageDispatched: true},
	StageDispatched: {StageAwaiting: true},
	StageAwaiting: {
		StageCompleted: true,
		StageRetrying:  true,
		StageFailed:    true,
	},
	StageRetrying: {StageDispatched: true},
}

// IsStageTerminal reports whether no further transitions are possible.
func IsStageTerminal(s StageState) bool {
	switch s {
	case StageCompleted, StageFailed:
		return true
	default:
		return false
	}
}

func stageTransition(from, to StageState) error {
	if IsStageTerminal(from) {
		return fmt.Errorf("pipeline: stage already in terminal state %s, cannot move to %s", from, to)
	}
	if allowedStageTransitions[from][to] {
		return nil
	}
	return fmt.Errorf("pipeline: invalid stage transition %s -> %s", from, to)
}

// PipelineStateKind is the whole pipeline's position in its state machine:
// Planning -> Dispatching -> Assembling -> (Completed | Failed | TimedOut).
type PipelineStateKind string

const (
	PipelinePlanning    PipelineStateKind = "Planning"
	PipelineDispatching PipelineStateKind = "Dispatching"
	PipelineAssembling  PipelineStateKind = "Assembling"
	PipelineCompleted   PipelineStateKind = "Completed"
	PipelineFailed      PipelineStateKind = "Failed"
	PipelineTimedOut    PipelineStateKind = "TimedOut"
)

var allowedPipelineTransitions = map[PipelineStateKind]map[PipelineStateKind]bool{
	PipelinePlanning: {
		PipelineDispatching: true,
		PipelineFailed:      true,
		PipelineTimedOut:    true,
	},
	PipelineDispatching: {
		PipelineAssembling: true,
		PipelineFailed:     true,
		PipelineTimedOut:   true,
	},
	PipelineAssembling: {
		PipelineCompleted: true,
		PipelineFailed:    true,
		PipelineTimedOut:  true,
	},
}

// IsPipelineTerminal reports whether no further transitions are possible.
func IsPipelineTerminal(s PipelineStateKind) bool {
	switch s {
	case PipelineCompleted, PipelineFailed, PipelineTimedOut:
		return true
	default:
		return false
	}
}

func pipelineTransition(from, to PipelineStateKind) error {
	if IsPipelineTerminal(from) {
		return fmt.Errorf("pipeline: pipeline already in terminal state %s, cannot move to %s", from, to)
	}
	if allowedPipelineTransitions[from][to] {
		return nil
	}
	return fmt.Errorf("pipeline: invalid pipeline transition %s -> %s", from, to)
}

// PipelineState tracks one in-flight Submit call's current state. Stages
// run strictly sequentially within a single Submit call (§4.4's ordering
// guarantee), so no locking is needed here; concurrent Submit calls each
// own a distinct PipelineState.
type PipelineState struct {
	RequestID string
	state     PipelineStateKind
}

func newPipelineState(requestID string) *PipelineState {
	return &PipelineState{RequestID: requestID, state: PipelinePlanning}
}

// State returns the current pipeline state.
func (p *PipelineState) State() PipelineStateKind { return p.state }

func (p *PipelineState) setState(to PipelineStateKind) error {
	if err := pipelineTransition(p.state, to); err != nil {
		return err
	}
	p.state = to
	return nil
}
