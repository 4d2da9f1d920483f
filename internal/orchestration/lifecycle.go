package orchestration

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/rendis/procman/internal/identity"
	"github.com/rendis/procman/pkg/schema"
)

// validInstanceTransitions lists the forward path of an instance.
// Pending -> Terminated exists only for user cancellation of a scheduled start.
var validInstanceTransitions = map[schema.InstanceLifecycleState][]schema.InstanceLifecycleState{
	schema.InstanceStatePending:    {schema.InstanceStateQueued, schema.InstanceStateTerminated},
	schema.InstanceStateQueued:     {schema.InstanceStateRunning},
	schema.InstanceStateRunning:    {schema.InstanceStateTerminated},
	schema.InstanceStateTerminated: {},
}

func isValidInstanceTransition(from, to schema.InstanceLifecycleState) bool {
	return slices.Contains(validInstanceTransitions[from], to)
}

// InstanceLifecycle is the state of an orchestration instance. Timestamps are set once.
type InstanceLifecycle struct {
	State            schema.InstanceLifecycleState
	TerminationState schema.InstanceTerminationState
	CreatedBy        identity.OperatingIdentity
	CreatedAt        time.Time
	ScheduledToRunAt *time.Time
	QueuedAt         *time.Time
	StartedAt        *time.Time
	TerminatedAt     *time.Time
	CanceledBy       identity.OperatingIdentity
}

func newInstanceLifecycle(createdBy identity.OperatingIdentity, clock Clock, runAt *time.Time) InstanceLifecycle {
	l := InstanceLifecycle{
		State:     schema.InstanceStatePending,
		CreatedBy: createdBy,
		CreatedAt: clock.Now(),
	}
	if runAt != nil {
		l.ScheduledToRunAt = timePtr(runAt.UTC())
	}
	return l
}

// IsPendingForScheduledStart reports whether the instance waits for its scheduled time.
func (l InstanceLifecycle) IsPendingForScheduledStart() bool {
	return l.State == schema.InstanceStatePending && l.ScheduledToRunAt != nil
}

func (l InstanceLifecycle) IsTerminated() bool { return l.State == schema.InstanceStateTerminated }

// TransitionToQueued hands the instance over for execution.
func (l *InstanceLifecycle) TransitionToQueued(clock Clock) error {
	if err := l.check(schema.InstanceStateQueued); err != nil {
		return err
	}
	l.State = schema.InstanceStateQueued
	l.QueuedAt = timePtr(clock.Now())
	return nil
}

// TransitionToRunning marks the instance as picked up by the executor.
func (l *InstanceLifecycle) TransitionToRunning(clock Clock) error {
	if err := l.check(schema.InstanceStateRunning); err != nil {
		return err
	}
	l.State = schema.InstanceStateRunning
	l.StartedAt = timePtr(clock.Now())
	return nil
}

// TransitionToSucceeded terminates a running instance successfully.
func (l *InstanceLifecycle) TransitionToSucceeded(clock Clock) error {
	return l.terminateFromRunning(clock, schema.InstanceTerminationSucceeded)
}

// TransitionToFailed terminates a running instance as failed.
func (l *InstanceLifecycle) TransitionToFailed(clock Clock) error {
	return l.terminateFromRunning(clock, schema.InstanceTerminationFailed)
}

// TransitionToUserCanceled cancels an instance that is pending for a scheduled start.
// Only a user identity may cancel.
func (l *InstanceLifecycle) TransitionToUserCanceled(clock Clock, by identity.OperatingIdentity) error {
	if err := l.check(schema.InstanceStateTerminated); err != nil {
		return err
	}
	if !l.IsPendingForScheduledStart() {
		return schema.NewError(schema.ErrCodeInvalidTransition,
			"only instances pending for a scheduled start can be canceled").
			WithDetails(map[string]any{"from": string(l.State)})
	}
	switch by.(type) {
	case identity.UserIdentity, *identity.UserIdentity:
	default:
		return schema.NewError(schema.ErrCodeInvalidRequest, "only a user identity can cancel an instance")
	}
	if err := identity.Validate(by); err != nil {
		return err
	}
	l.State = schema.InstanceStateTerminated
	l.TerminationState = schema.InstanceTerminationUserCanceled
	l.TerminatedAt = timePtr(clock.Now())
	l.CanceledBy = by
	return nil
}

func (l *InstanceLifecycle) terminateFromRunning(clock Clock, ts schema.InstanceTerminationState) error {
	if l.State != schema.InstanceStateRunning {
		return invalidInstanceTransition(l.State, schema.InstanceStateTerminated).
			WithDetails(map[string]any{"from": string(l.State), "to": string(ts)})
	}
	l.State = schema.InstanceStateTerminated
	l.TerminationState = ts
	l.TerminatedAt = timePtr(clock.Now())
	return nil
}

func (l *InstanceLifecycle) check(to schema.InstanceLifecycleState) error {
	if !isValidInstanceTransition(l.State, to) {
		return invalidInstanceTransition(l.State, to)
	}
	return nil
}

func invalidInstanceTransition(from, to schema.InstanceLifecycleState) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeInvalidTransition,
		"invalid instance transition: %s -> %s", from, to).
		WithDetails(map[string]any{"from": string(from), "to": string(to)})
}

type lifecycleJSON struct {
	State            schema.InstanceLifecycleState   `json:"state"`
	TerminationState schema.InstanceTerminationState `json:"termination_state,omitempty"`
	CreatedBy        *identity.Record                `json:"created_by,omitempty"`
	CreatedAt        time.Time                       `json:"created_at"`
	ScheduledToRunAt *time.Time                      `json:"scheduled_to_run_at,omitempty"`
	QueuedAt         *time.Time                      `json:"queued_at,omitempty"`
	StartedAt        *time.Time                      `json:"started_at,omitempty"`
	TerminatedAt     *time.Time                      `json:"terminated_at,omitempty"`
	CanceledBy       *identity.Record                `json:"canceled_by,omitempty"`
}

func (l InstanceLifecycle) MarshalJSON() ([]byte, error) {
	out := lifecycleJSON{
		State:            l.State,
		TerminationState: l.TerminationState,
		CreatedAt:        l.CreatedAt,
		ScheduledToRunAt: l.ScheduledToRunAt,
		QueuedAt:         l.QueuedAt,
		StartedAt:        l.StartedAt,
		TerminatedAt:     l.TerminatedAt,
	}
	if l.CreatedBy != nil {
		rec, err := identity.ToRecord(l.CreatedBy)
		if err != nil {
			return nil, err
		}
		out.CreatedBy = &rec
	}
	if l.CanceledBy != nil {
		rec, err := identity.ToRecord(l.CanceledBy)
		if err != nil {
			return nil, err
		}
		out.CanceledBy = &rec
	}
	return json.Marshal(out)
}
