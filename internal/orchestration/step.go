package orchestration

import (
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/procman/pkg/schema"
)

// validStepTransitions lists the lifecycle states each step state may move to.
var validStepTransitions = map[schema.StepLifecycleState][]schema.StepLifecycleState{
	schema.StepStatePending:    {schema.StepStateRunning, schema.StepStateTerminated},
	schema.StepStateRunning:    {schema.StepStateTerminated},
	schema.StepStateTerminated: {},
}

func isValidStepTransition(from, to schema.StepLifecycleState) bool {
	return slices.Contains(validStepTransitions[from], to)
}

// StepLifecycle tracks one step's progress. Timestamps are set once.
type StepLifecycle struct {
	State            schema.StepLifecycleState   `json:"state"`
	TerminationState schema.StepTerminationState `json:"termination_state,omitempty"`
	StartedAt        *time.Time                  `json:"started_at,omitempty"`
	TerminatedAt     *time.Time                  `json:"terminated_at,omitempty"`
}

func newStepLifecycle() StepLifecycle {
	return StepLifecycle{State: schema.StepStatePending}
}

// TransitionToRunning moves a pending step to running.
func (l *StepLifecycle) TransitionToRunning(clock Clock) error {
	if !isValidStepTransition(l.State, schema.StepStateRunning) {
		return invalidStepTransition(l.State, schema.StepStateRunning)
	}
	l.State = schema.StepStateRunning
	l.StartedAt = timePtr(clock.Now())
	return nil
}

// TransitionToTerminated ends the step. Succeeded and Failed require a running step;
// Skipped requires a pending step that may be skipped.
func (l *StepLifecycle) TransitionToTerminated(clock Clock, ts schema.StepTerminationState, canBeSkipped bool) error {
	if !isValidStepTransition(l.State, schema.StepStateTerminated) {
		return invalidStepTransition(l.State, schema.StepStateTerminated)
	}
	switch ts {
	case schema.StepTerminationSucceeded, schema.StepTerminationFailed:
		if l.State != schema.StepStateRunning {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"step cannot terminate as %s while %s", ts, l.State).
				WithDetails(map[string]any{"from": string(l.State), "to": string(ts)})
		}
	case schema.StepTerminationSkipped:
		if l.State != schema.StepStatePending {
			return schema.NewErrorf(schema.ErrCodeInvalidTransition,
				"step cannot be skipped while %s", l.State).
				WithDetails(map[string]any{"from": string(l.State), "to": string(ts)})
		}
		if !canBeSkipped {
			return schema.NewError(schema.ErrCodeInvalidTransition, "step cannot be skipped")
		}
	default:
		return schema.NewErrorf(schema.ErrCodeInvalidRequest, "unknown step termination state %q", ts)
	}
	l.State = schema.StepStateTerminated
	l.TerminationState = ts
	l.TerminatedAt = timePtr(clock.Now())
	return nil
}

func (l StepLifecycle) IsTerminated() bool { return l.State == schema.StepStateTerminated }

func invalidStepTransition(from, to schema.StepLifecycleState) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid step transition: %s -> %s", from, to).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

// StepInstance is one step of an instance, created with the instance.
type StepInstance struct {
	ID           uuid.UUID     `json:"id"`
	Sequence     int           `json:"sequence"`
	Description  string        `json:"description"`
	CanBeSkipped bool          `json:"can_be_skipped"`
	Lifecycle    StepLifecycle `json:"lifecycle"`
	CustomState  Box           `json:"custom_state"`
}
