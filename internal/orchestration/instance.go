package orchestration

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/procman/internal/identity"
	"github.com/rendis/procman/pkg/schema"
)

// Instance is the orchestration instance aggregate. It is built by
// CreateFromDescription or Rehydrate and changed only through its methods.
type Instance struct {
	id              uuid.UUID
	descriptionID   uuid.UUID
	lifecycle       InstanceLifecycle
	steps           []StepInstance
	parameter       Box
	customState     Box
	idempotencyKey  IdempotencyKey
	actorMessageID  string
	transactionID   string
	meteringPointID string
	rowVersion      int64

	pending []Event
}

// CreateOption sets optional data on a new instance.
type CreateOption func(*Instance) error

// WithParameter sets the input parameter.
func WithParameter(p Box) CreateOption {
	return func(i *Instance) error {
		i.parameter = p
		return nil
	}
}

// WithMessage copies message correlation data onto the instance.
func WithMessage(key IdempotencyKey, actorMessageID, transactionID, meteringPointID string) CreateOption {
	return func(i *Instance) error {
		if key.IsZero() {
			return schema.NewError(schema.ErrCodeInvalidRequest, "idempotency key is required")
		}
		if actorMessageID == "" || transactionID == "" {
			return schema.NewError(schema.ErrCodeInvalidRequest, "actor message id and transaction id are required")
		}
		i.idempotencyKey = key
		i.actorMessageID = actorMessageID
		i.transactionID = transactionID
		i.meteringPointID = meteringPointID
		return nil
	}
}

// CreateFromDescription builds a new pending instance of desc. Steps listed in
// skipStepsBySequence start out terminated as skipped; runAt schedules the start.
func CreateFromDescription(
	createdBy identity.OperatingIdentity,
	desc *Description,
	skipStepsBySequence []int,
	clock Clock,
	runAt *time.Time,
	opts ...CreateOption,
) (*Instance, error) {
	if err := identity.Validate(createdBy); err != nil {
		return nil, err
	}
	if desc == nil {
		return nil, schema.NewError(schema.ErrCodeInvalidRequest, "description is required")
	}

	skip := make(map[int]bool, len(skipStepsBySequence))
	for _, seq := range skipStepsBySequence {
		tmpl, ok := desc.Step(seq)
		if !ok {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidRequest,
				"step %d does not exist in %s", seq, desc.UniqueName).WithStep(seq)
		}
		if !tmpl.CanBeSkipped {
			return nil, schema.NewErrorf(schema.ErrCodeInvalidRequest,
				"step %d of %s cannot be skipped", seq, desc.UniqueName).WithStep(seq)
		}
		skip[seq] = true
	}

	if runAt != nil && !desc.CanBeScheduled {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidRequest,
			"%s cannot be scheduled", desc.UniqueName)
	}

	inst := &Instance{
		id:            uuid.New(),
		descriptionID: desc.ID,
		lifecycle:     newInstanceLifecycle(createdBy, clock, runAt),
		steps:         make([]StepInstance, 0, len(desc.Steps)),
	}
	for _, opt := range opts {
		if err := opt(inst); err != nil {
			return nil, err
		}
	}

	inst.record(schema.EventInstanceCreated, 0, createdBy, inst.lifecycle.CreatedAt)
	if runAt != nil {
		inst.record(schema.EventInstanceScheduled, 0, createdBy, inst.lifecycle.CreatedAt)
	}

	for _, tmpl := range desc.Steps {
		step := StepInstance{
			ID:           uuid.New(),
			Sequence:     tmpl.Sequence,
			Description:  tmpl.Description,
			CanBeSkipped: tmpl.CanBeSkipped,
			Lifecycle:    newStepLifecycle(),
		}
		if skip[tmpl.Sequence] {
			if err := step.Lifecycle.TransitionToTerminated(clock, schema.StepTerminationSkipped, true); err != nil {
				return nil, err
			}
			inst.record(schema.EventStepSkipped, step.Sequence, createdBy, *step.Lifecycle.TerminatedAt)
		}
		inst.steps = append(inst.steps, step)
	}
	return inst, nil
}

func (i *Instance) ID() uuid.UUID                { return i.id }
func (i *Instance) DescriptionID() uuid.UUID     { return i.descriptionID }
func (i *Instance) Lifecycle() InstanceLifecycle { return i.lifecycle }
func (i *Instance) Parameter() Box               { return i.parameter }
func (i *Instance) CustomState() Box             { return i.customState }
func (i *Instance) IdempotencyKey() IdempotencyKey {
	return i.idempotencyKey
}
func (i *Instance) ActorMessageID() string  { return i.actorMessageID }
func (i *Instance) TransactionID() string   { return i.transactionID }
func (i *Instance) MeteringPointID() string { return i.meteringPointID }

// RowVersion is the storage version the instance was loaded at.
func (i *Instance) RowVersion() int64 { return i.rowVersion }

// StampRowVersion records the version written by a store.
func (i *Instance) StampRowVersion(v int64) { i.rowVersion = v }

// Steps returns a copy of the step instances in sequence order.
func (i *Instance) Steps() []StepInstance {
	out := make([]StepInstance, len(i.steps))
	copy(out, i.steps)
	return out
}

// Step returns a copy of the step with the given sequence.
func (i *Instance) Step(sequence int) (StepInstance, bool) {
	for _, s := range i.steps {
		if s.Sequence == sequence {
			return s, true
		}
	}
	return StepInstance{}, false
}

// IsPendingForScheduledStart reports whether the instance waits for its scheduled time.
func (i *Instance) IsPendingForScheduledStart() bool {
	return i.lifecycle.IsPendingForScheduledStart()
}

// TransitionToQueued moves a pending instance to queued.
func (i *Instance) TransitionToQueued(clock Clock) error {
	if err := i.lifecycle.TransitionToQueued(clock); err != nil {
		return i.annotate(err)
	}
	i.record(schema.EventInstanceQueued, 0, nil, *i.lifecycle.QueuedAt)
	return nil
}

// TransitionToRunning moves a queued instance to running.
func (i *Instance) TransitionToRunning(clock Clock) error {
	if err := i.lifecycle.TransitionToRunning(clock); err != nil {
		return i.annotate(err)
	}
	i.record(schema.EventInstanceRunning, 0, nil, *i.lifecycle.StartedAt)
	return nil
}

// Terminate ends a running instance as succeeded or failed.
func (i *Instance) Terminate(clock Clock, ts schema.InstanceTerminationState) error {
	var err error
	var eventType string
	switch ts {
	case schema.InstanceTerminationSucceeded:
		err, eventType = i.lifecycle.TransitionToSucceeded(clock), schema.EventInstanceSucceeded
	case schema.InstanceTerminationFailed:
		err, eventType = i.lifecycle.TransitionToFailed(clock), schema.EventInstanceFailed
	default:
		return schema.NewErrorf(schema.ErrCodeInvalidRequest,
			"instance can only be terminated as succeeded or failed, got %q", ts)
	}
	if err != nil {
		return i.annotate(err)
	}
	i.record(eventType, 0, nil, *i.lifecycle.TerminatedAt)
	return nil
}

// Cancel terminates an instance pending for a scheduled start as user canceled.
func (i *Instance) Cancel(clock Clock, by identity.OperatingIdentity) error {
	if err := i.lifecycle.TransitionToUserCanceled(clock, by); err != nil {
		return i.annotate(err)
	}
	i.record(schema.EventInstanceCanceled, 0, by, *i.lifecycle.TerminatedAt)
	return nil
}

// TransitionStepToRunning starts the step with the given sequence.
func (i *Instance) TransitionStepToRunning(sequence int, clock Clock) error {
	step, err := i.stepRef(sequence)
	if err != nil {
		return err
	}
	if err := step.Lifecycle.TransitionToRunning(clock); err != nil {
		return i.annotate(err, sequence)
	}
	i.record(schema.EventStepRunning, sequence, nil, *step.Lifecycle.StartedAt)
	return nil
}

// TerminateStep ends the step with the given sequence.
func (i *Instance) TerminateStep(sequence int, ts schema.StepTerminationState, clock Clock) error {
	step, err := i.stepRef(sequence)
	if err != nil {
		return err
	}
	if err := step.Lifecycle.TransitionToTerminated(clock, ts, step.CanBeSkipped); err != nil {
		return i.annotate(err, sequence)
	}
	var eventType string
	switch ts {
	case schema.StepTerminationSucceeded:
		eventType = schema.EventStepSucceeded
	case schema.StepTerminationFailed:
		eventType = schema.EventStepFailed
	default:
		eventType = schema.EventStepSkipped
	}
	i.record(eventType, sequence, nil, *step.Lifecycle.TerminatedAt)
	return nil
}

// SetCustomState replaces the instance custom state.
func (i *Instance) SetCustomState(b Box, clock Clock) {
	i.customState = b
	i.record(schema.EventCustomStateChanged, 0, nil, clock.Now())
}

// SetStepCustomState replaces the custom state of one step.
func (i *Instance) SetStepCustomState(sequence int, b Box, clock Clock) error {
	step, err := i.stepRef(sequence)
	if err != nil {
		return err
	}
	step.CustomState = b
	i.record(schema.EventCustomStateChanged, sequence, nil, clock.Now())
	return nil
}

// PendingEvents returns the events recorded since the last ClearPendingEvents.
func (i *Instance) PendingEvents() []Event {
	out := make([]Event, len(i.pending))
	copy(out, i.pending)
	return out
}

// ClearPendingEvents drops recorded events once a store has written them.
func (i *Instance) ClearPendingEvents() { i.pending = nil }

func (i *Instance) record(eventType string, stepSequence int, who identity.OperatingIdentity, at time.Time) {
	ev := NewEvent(i.id, eventType, who, at)
	ev.StepSequence = stepSequence
	i.pending = append(i.pending, ev)
}

func (i *Instance) stepRef(sequence int) (*StepInstance, error) {
	for idx := range i.steps {
		if i.steps[idx].Sequence == sequence {
			return &i.steps[idx], nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound,
		"step %d not found in instance %s", sequence, i.id).WithStep(sequence)
}

func (i *Instance) annotate(err error, sequence ...int) error {
	se, ok := err.(*schema.Error)
	if !ok {
		return err
	}
	if se.Details == nil {
		se.Details = map[string]any{}
	}
	se.Details["instance_id"] = i.id.String()
	if len(sequence) > 0 {
		se.WithStep(sequence[0])
	}
	return se
}

func (i *Instance) MarshalJSON() ([]byte, error) {
	return json.Marshal(i.Snapshot())
}
