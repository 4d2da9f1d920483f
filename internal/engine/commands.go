package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/rendis/procman/internal/identity"
	"github.com/rendis/procman/internal/logging"
	"github.com/rendis/procman/internal/orchestration"
	"github.com/rendis/procman/internal/telemetry"
	"github.com/rendis/procman/pkg/schema"
)

// StartRequest describes a new orchestration instance.
type StartRequest struct {
	Identity            identity.OperatingIdentity
	Name                orchestration.UniqueName
	SkipStepsBySequence []int
	Parameter           orchestration.Box
}

// MessageRequest is a StartRequest triggered by an inbound actor message. The
// idempotency key makes redelivered messages return the original instance.
type MessageRequest struct {
	StartRequest
	IdempotencyKey  string
	ActorMessageID  string
	TransactionID   string
	MeteringPointID string
}

// StartNewOrchestrationInstance creates and queues an instance of req.Name and,
// for durable functions, hands it to the executor. The id is returned even when
// the executor call fails; the error then carries EXECUTOR_ERROR.
func (c *Coordinator) StartNewOrchestrationInstance(ctx context.Context, req StartRequest) (id uuid.UUID, err error) {
	ctx, end := c.telemetry.Track(ctx, "start", telemetry.AttrDescription.String(req.Name.String()))
	defer func() { end(err) }()
	ctx = withIdentity(ctx, req.Identity)

	desc, inst, err := c.create(ctx, req, nil)
	if err != nil {
		return uuid.Nil, err
	}
	if err := inst.TransitionToQueued(c.clock); err != nil {
		return uuid.Nil, err
	}
	if err := c.add(ctx, inst); err != nil {
		return uuid.Nil, err
	}
	return inst.ID(), c.startInExecutor(ctx, desc, inst)
}

// StartNewOrchestrationInstanceWithMessage is StartNewOrchestrationInstance with
// idempotency. A known key, or losing an insert race on the key, returns the id of
// the existing instance without calling the executor.
func (c *Coordinator) StartNewOrchestrationInstanceWithMessage(ctx context.Context, req MessageRequest) (id uuid.UUID, err error) {
	ctx, end := c.telemetry.Track(ctx, "start_with_message", telemetry.AttrDescription.String(req.Name.String()))
	defer func() { end(err) }()
	ctx = withIdentity(ctx, req.Identity)

	key, err := orchestration.NewIdempotencyKey(req.IdempotencyKey)
	if err != nil {
		return uuid.Nil, err
	}
	existing, err := c.store.GetInstanceByIdempotencyKey(ctx, key)
	if err != nil {
		return uuid.Nil, err
	}
	if existing != nil {
		c.log(ctx).Debug("idempotency key already used, returning existing instance",
			slog.String("orchestration_instance_id", existing.ID().String()))
		return existing.ID(), nil
	}

	desc, inst, err := c.create(ctx, req.StartRequest, nil,
		orchestration.WithMessage(key, req.ActorMessageID, req.TransactionID, req.MeteringPointID))
	if err != nil {
		return uuid.Nil, err
	}
	if err := inst.TransitionToQueued(c.clock); err != nil {
		return uuid.Nil, err
	}
	if err := c.add(ctx, inst); err != nil {
		if !schema.HasCode(err, schema.ErrCodeAlreadyExists) {
			return uuid.Nil, err
		}
		winner, lookupErr := c.store.GetInstanceByIdempotencyKey(ctx, key)
		if lookupErr != nil {
			return uuid.Nil, lookupErr
		}
		if winner == nil {
			return uuid.Nil, err
		}
		return winner.ID(), nil
	}
	return inst.ID(), c.startInExecutor(ctx, desc, inst)
}

// ScheduleNewOrchestrationInstance creates an instance that stays pending until
// runAt, when the scheduler starts it.
func (c *Coordinator) ScheduleNewOrchestrationInstance(ctx context.Context, req StartRequest, runAt time.Time) (id uuid.UUID, err error) {
	ctx, end := c.telemetry.Track(ctx, "schedule", telemetry.AttrDescription.String(req.Name.String()))
	defer func() { end(err) }()
	ctx = withIdentity(ctx, req.Identity)

	if runAt.IsZero() {
		return uuid.Nil, schema.NewError(schema.ErrCodeInvalidRequest, "run at is required to schedule an instance")
	}
	runAt = runAt.UTC()
	_, inst, err := c.create(ctx, req, &runAt)
	if err != nil {
		return uuid.Nil, err
	}
	if err := c.add(ctx, inst); err != nil {
		return uuid.Nil, err
	}
	return inst.ID(), nil
}

// CancelScheduledOrchestrationInstance terminates an instance that is still
// pending for its scheduled start. Only users may cancel.
func (c *Coordinator) CancelScheduledOrchestrationInstance(ctx context.Context, id uuid.UUID, by identity.OperatingIdentity) (err error) {
	ctx, end := c.telemetry.Track(ctx, "cancel", telemetry.AttrInstanceID.String(id.String()))
	defer func() { end(err) }()
	ctx = withIdentity(logging.WithInstanceID(ctx, id.String()), by)

	_, err = c.mutateInstance(ctx, id, func(inst *orchestration.Instance) error {
		return inst.Cancel(c.clock, by)
	})
	return err
}

// NotifyOrchestrationInstance forwards an event to the executor running the
// instance. Instances of non-durable descriptions are not run by the executor,
// so the call is a no-op for them.
func (c *Coordinator) NotifyOrchestrationInstance(ctx context.Context, id uuid.UUID, eventName string, eventData json.RawMessage) (err error) {
	ctx, end := c.telemetry.Track(ctx, "notify",
		telemetry.AttrInstanceID.String(id.String()),
		attribute.String("procman.event_name", eventName))
	defer func() { end(err) }()
	ctx = logging.WithInstanceID(ctx, id.String())

	if eventName == "" {
		return schema.NewError(schema.ErrCodeInvalidRequest, "event name is required")
	}
	inst, err := c.store.GetInstance(ctx, id)
	if err != nil {
		return err
	}
	desc, err := c.store.GetDescriptionByID(ctx, inst.DescriptionID())
	if err != nil {
		return err
	}
	if !desc.IsDurableFunction {
		c.log(ctx).Debug("notify ignored, description is not a durable function",
			slog.String("description", desc.UniqueName.String()),
			slog.String("event_name", eventName))
		return nil
	}

	if err := c.executor.NotifyOrchestrationInstance(ctx, id, eventName, eventData); err != nil {
		return executorError("notify", err)
	}

	payload, err := json.Marshal(map[string]any{"event_name": eventName, "event_data": rawOrNull(eventData)})
	if err != nil {
		return err
	}
	ev := orchestration.NewEvent(id, schema.EventInstanceNotified, nil, c.clock.Now())
	ev.Payload = payload
	if err := c.store.AppendEvent(ctx, &ev); err != nil {
		c.log(ctx).Warn("record notify event failed", slog.String("error", err.Error()))
		return nil
	}
	c.publish(ctx, []orchestration.Event{ev})
	return nil
}

// GetDueScheduledInstances returns pending instances whose scheduled start is at
// or before asOf.
func (c *Coordinator) GetDueScheduledInstances(ctx context.Context, asOf time.Time) ([]*orchestration.Instance, error) {
	return c.store.GetDueScheduledInstances(ctx, asOf.UTC())
}

// StartScheduledOrchestrationInstance queues a due instance and, for durable
// functions, hands it to the executor.
func (c *Coordinator) StartScheduledOrchestrationInstance(ctx context.Context, id uuid.UUID) (err error) {
	ctx, end := c.telemetry.Track(ctx, "start_scheduled", telemetry.AttrInstanceID.String(id.String()))
	defer func() { end(err) }()
	ctx = logging.WithInstanceID(ctx, id.String())

	inst, err := c.mutateInstance(ctx, id, func(inst *orchestration.Instance) error {
		return inst.TransitionToQueued(c.clock)
	})
	if err != nil {
		return err
	}
	desc, err := c.store.GetDescriptionByID(ctx, inst.DescriptionID())
	if err != nil {
		return err
	}
	return c.startInExecutor(ctx, desc, inst)
}

// create resolves the enabled description, validates the parameter and builds
// the aggregate. Nothing is persisted.
func (c *Coordinator) create(
	ctx context.Context,
	req StartRequest,
	runAt *time.Time,
	opts ...orchestration.CreateOption,
) (*orchestration.Description, *orchestration.Instance, error) {
	if req.Identity == nil {
		return nil, nil, schema.NewError(schema.ErrCodeInvalidRequest, "operating identity is required")
	}
	desc, err := c.store.GetDescription(ctx, req.Name)
	if err != nil {
		return nil, nil, err
	}
	if !desc.IsEnabled {
		return nil, nil, schema.NewErrorf(schema.ErrCodeNotFound, "description %s is disabled", req.Name).
			WithDetails(map[string]any{"description": req.Name.String(), "enabled": false})
	}
	if err := c.validator.ValidateParameter(desc.ParameterSchema, req.Parameter.Raw()); err != nil {
		return nil, nil, err
	}
	if !req.Parameter.IsEmpty() {
		opts = append(opts, orchestration.WithParameter(req.Parameter))
	}

	inst, err := orchestration.CreateFromDescription(req.Identity, desc, req.SkipStepsBySequence, c.clock, runAt, opts...)
	if err != nil {
		return nil, nil, err
	}
	return desc, inst, nil
}

func (c *Coordinator) add(ctx context.Context, inst *orchestration.Instance) error {
	events, err := c.store.AddInstance(ctx, inst)
	if err != nil {
		return err
	}
	telemetry.Annotate(ctx, telemetry.AttrInstanceID.String(inst.ID().String()))
	c.log(logging.WithInstanceID(ctx, inst.ID().String())).Info("orchestration instance created",
		slog.String("state", string(inst.Lifecycle().State)))
	c.publish(ctx, events)
	return nil
}

func (c *Coordinator) startInExecutor(ctx context.Context, desc *orchestration.Description, inst *orchestration.Instance) error {
	if !desc.IsDurableFunction {
		return nil
	}
	if err := c.executor.StartNewOrchestrationInstance(ctx, desc, inst); err != nil {
		c.log(logging.WithInstanceID(ctx, inst.ID().String())).Error("executor start failed",
			slog.String("description", desc.UniqueName.String()),
			slog.String("error", err.Error()))
		return executorError("start", err)
	}
	return nil
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
