package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/rendis/procman/internal/identity"
	"github.com/rendis/procman/internal/orchestration"
	"github.com/rendis/procman/internal/telemetry"
	"github.com/rendis/procman/pkg/schema"
)

// SendMeasurementsRequest describes an inbound measurements message.
type SendMeasurementsRequest struct {
	Identity        identity.OperatingIdentity
	IdempotencyKey  string
	TransactionID   string
	MeteringPointID string
	Input           orchestration.Box
}

// StartSendMeasurements records a measurements message at the Created milestone.
// A known idempotency key returns the id of the existing instance.
func (c *Coordinator) StartSendMeasurements(ctx context.Context, req SendMeasurementsRequest) (id uuid.UUID, err error) {
	ctx, end := c.telemetry.Track(ctx, "start_send_measurements")
	defer func() { end(err) }()
	ctx = withIdentity(ctx, req.Identity)

	key, err := orchestration.NewIdempotencyKey(req.IdempotencyKey)
	if err != nil {
		return uuid.Nil, err
	}
	existing, err := c.store.GetSendMeasurementsByIdempotencyKey(ctx, key)
	if err != nil {
		return uuid.Nil, err
	}
	if existing != nil {
		return existing.ID, nil
	}

	sm, err := orchestration.NewSendMeasurementsInstance(req.Identity, key, req.TransactionID, req.MeteringPointID, req.Input, c.clock)
	if err != nil {
		return uuid.Nil, err
	}
	if err := c.store.AddSendMeasurements(ctx, sm); err != nil {
		if !schema.HasCode(err, schema.ErrCodeAlreadyExists) {
			return uuid.Nil, err
		}
		winner, lookupErr := c.store.GetSendMeasurementsByIdempotencyKey(ctx, key)
		if lookupErr != nil {
			return uuid.Nil, lookupErr
		}
		if winner == nil {
			return uuid.Nil, err
		}
		return winner.ID, nil
	}
	telemetry.Annotate(ctx, telemetry.AttrInstanceID.String(sm.ID.String()))
	return sm.ID, nil
}

// GetSendMeasurements loads a send-measurements instance or fails with NOT_FOUND.
func (c *Coordinator) GetSendMeasurements(ctx context.Context, id uuid.UUID) (*orchestration.SendMeasurementsInstance, error) {
	return c.store.GetSendMeasurements(ctx, id)
}

// GetSendMeasurementsByIdempotencyKey returns the instance for key, or nil.
func (c *Coordinator) GetSendMeasurementsByIdempotencyKey(ctx context.Context, key string) (*orchestration.SendMeasurementsInstance, error) {
	k, err := orchestration.NewIdempotencyKey(key)
	if err != nil {
		return nil, err
	}
	return c.store.GetSendMeasurementsByIdempotencyKey(ctx, k)
}

// AdvanceSendMeasurements moves the instance to milestone. reason is only
// used, and then required, for the Failed milestone.
func (c *Coordinator) AdvanceSendMeasurements(
	ctx context.Context,
	id uuid.UUID,
	milestone schema.SendMeasurementsMilestone,
	reason string,
) (sm *orchestration.SendMeasurementsInstance, err error) {
	ctx, end := c.telemetry.Track(ctx, "advance_send_measurements", telemetry.AttrInstanceID.String(id.String()))
	defer func() { end(err) }()

	return c.mutateSendMeasurements(ctx, id, func(sm *orchestration.SendMeasurementsInstance) error {
		return sm.Advance(c.clock, milestone, reason)
	})
}

// MarkSendMeasurementsValidated advances to the Validated milestone.
func (c *Coordinator) MarkSendMeasurementsValidated(ctx context.Context, id uuid.UUID) error {
	_, err := c.AdvanceSendMeasurements(ctx, id, schema.MilestoneValidated, "")
	return err
}

// MarkSendMeasurementsSent advances to the Sent milestone.
func (c *Coordinator) MarkSendMeasurementsSent(ctx context.Context, id uuid.UUID) error {
	_, err := c.AdvanceSendMeasurements(ctx, id, schema.MilestoneSent, "")
	return err
}

// MarkSendMeasurementsReceived advances to the Received milestone.
func (c *Coordinator) MarkSendMeasurementsReceived(ctx context.Context, id uuid.UUID) error {
	_, err := c.AdvanceSendMeasurements(ctx, id, schema.MilestoneReceived, "")
	return err
}

// MarkSendMeasurementsTerminated advances to the Terminated milestone.
func (c *Coordinator) MarkSendMeasurementsTerminated(ctx context.Context, id uuid.UUID) error {
	_, err := c.AdvanceSendMeasurements(ctx, id, schema.MilestoneTerminated, "")
	return err
}

// MarkSendMeasurementsFailed moves the instance to Failed with reason.
func (c *Coordinator) MarkSendMeasurementsFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := c.AdvanceSendMeasurements(ctx, id, schema.MilestoneFailed, reason)
	return err
}
