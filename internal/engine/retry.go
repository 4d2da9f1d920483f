package engine

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rendis/procman/internal/orchestration"
	"github.com/rendis/procman/pkg/schema"
)

// conflictAttempts bounds how often a command is applied to a freshly loaded
// instance when the optimistic update loses a race.
const conflictAttempts = 2

// IsConflict reports whether err is an optimistic concurrency conflict.
func IsConflict(err error) bool {
	return schema.HasCode(err, schema.ErrCodeConflict)
}

// mutateInstance loads the instance, applies fn and persists the result. On a
// concurrency conflict it reloads and applies fn once more before giving up.
// The committed events are published and returned with the updated instance.
func (c *Coordinator) mutateInstance(
	ctx context.Context,
	id uuid.UUID,
	fn func(inst *orchestration.Instance) error,
) (*orchestration.Instance, error) {
	var lastErr error
	for attempt := range conflictAttempts {
		inst, err := c.store.GetInstance(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(inst); err != nil {
			return nil, err
		}
		events, err := c.store.UpdateInstance(ctx, inst)
		if err == nil {
			c.publish(ctx, events)
			return inst, nil
		}
		if !IsConflict(err) {
			return nil, err
		}
		lastErr = err
		c.log(ctx).Debug("instance update conflicted, reloading",
			slog.String("orchestration_instance_id", id.String()),
			slog.Int("attempt", attempt+1))
	}
	return nil, lastErr
}

// mutateSendMeasurements is mutateInstance for send-measurements instances.
func (c *Coordinator) mutateSendMeasurements(
	ctx context.Context,
	id uuid.UUID,
	fn func(sm *orchestration.SendMeasurementsInstance) error,
) (*orchestration.SendMeasurementsInstance, error) {
	var lastErr error
	for range conflictAttempts {
		sm, err := c.store.GetSendMeasurements(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(sm); err != nil {
			return nil, err
		}
		err = c.store.UpdateSendMeasurements(ctx, sm)
		if err == nil {
			return sm, nil
		}
		if !IsConflict(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
