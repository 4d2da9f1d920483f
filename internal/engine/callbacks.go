package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/rendis/procman/internal/logging"
	"github.com/rendis/procman/internal/orchestration"
	"github.com/rendis/procman/internal/telemetry"
	"github.com/rendis/procman/pkg/schema"
)

// The methods below are called by the executor to report progress. Each one
// retries once on a concurrency conflict.

// TransitionInstanceToRunning marks a queued instance as running.
func (c *Coordinator) TransitionInstanceToRunning(ctx context.Context, id uuid.UUID) (err error) {
	ctx, end := c.callback(ctx, "instance_running", id)
	defer func() { end(err) }()

	_, err = c.mutateInstance(ctx, id, func(inst *orchestration.Instance) error {
		return inst.TransitionToRunning(c.clock)
	})
	return err
}

// TerminateInstance ends a running instance as succeeded or failed.
func (c *Coordinator) TerminateInstance(ctx context.Context, id uuid.UUID, ts schema.InstanceTerminationState) (err error) {
	ctx, end := c.callback(ctx, "terminate_instance", id)
	defer func() { end(err) }()

	_, err = c.mutateInstance(ctx, id, func(inst *orchestration.Instance) error {
		return inst.Terminate(c.clock, ts)
	})
	return err
}

// TransitionStepToRunning marks the step with the given sequence as running.
func (c *Coordinator) TransitionStepToRunning(ctx context.Context, id uuid.UUID, sequence int) (err error) {
	ctx, end := c.callback(ctx, "step_running", id, sequence)
	defer func() { end(err) }()

	_, err = c.mutateInstance(ctx, id, func(inst *orchestration.Instance) error {
		return inst.TransitionStepToRunning(sequence, c.clock)
	})
	return err
}

// TerminateStep ends the step with the given sequence.
func (c *Coordinator) TerminateStep(ctx context.Context, id uuid.UUID, sequence int, ts schema.StepTerminationState) (err error) {
	ctx, end := c.callback(ctx, "terminate_step", id, sequence)
	defer func() { end(err) }()

	_, err = c.mutateInstance(ctx, id, func(inst *orchestration.Instance) error {
		return inst.TerminateStep(sequence, ts, c.clock)
	})
	return err
}

// SetInstanceCustomState replaces the custom state of the instance.
func (c *Coordinator) SetInstanceCustomState(ctx context.Context, id uuid.UUID, state orchestration.Box) (err error) {
	ctx, end := c.callback(ctx, "set_custom_state", id)
	defer func() { end(err) }()

	_, err = c.mutateInstance(ctx, id, func(inst *orchestration.Instance) error {
		inst.SetCustomState(state, c.clock)
		return nil
	})
	return err
}

// SetStepCustomState replaces the custom state of one step.
func (c *Coordinator) SetStepCustomState(ctx context.Context, id uuid.UUID, sequence int, state orchestration.Box) (err error) {
	ctx, end := c.callback(ctx, "set_step_custom_state", id, sequence)
	defer func() { end(err) }()

	_, err = c.mutateInstance(ctx, id, func(inst *orchestration.Instance) error {
		return inst.SetStepCustomState(sequence, state, c.clock)
	})
	return err
}

func (c *Coordinator) callback(ctx context.Context, command string, id uuid.UUID, sequence ...int) (context.Context, func(error)) {
	ctx, end := c.telemetry.Track(ctx, command, telemetry.AttrInstanceID.String(id.String()))
	ctx = logging.WithInstanceID(ctx, id.String())
	if len(sequence) > 0 {
		telemetry.Annotate(ctx, telemetry.AttrStep.Int(sequence[0]))
		ctx = logging.WithStepSequence(ctx, sequence[0])
	}
	return ctx, end
}
