package orchestration

import (
	"slices"

	"github.com/google/uuid"

	"github.com/rendis/procman/pkg/schema"
)

// InstanceSnapshot is the flat storage view of an Instance.
type InstanceSnapshot struct {
	ID              uuid.UUID         `json:"id"`
	DescriptionID   uuid.UUID         `json:"description_id"`
	Lifecycle       InstanceLifecycle `json:"lifecycle"`
	Steps           []StepInstance    `json:"steps"`
	Parameter       Box               `json:"parameter"`
	CustomState     Box               `json:"custom_state"`
	IdempotencyKey  string            `json:"idempotency_key,omitempty"`
	ActorMessageID  string            `json:"actor_message_id,omitempty"`
	TransactionID   string            `json:"transaction_id,omitempty"`
	MeteringPointID string            `json:"metering_point_id,omitempty"`
	RowVersion      int64             `json:"row_version"`
}

// Snapshot copies the instance state into its storage view.
func (i *Instance) Snapshot() InstanceSnapshot {
	return InstanceSnapshot{
		ID:              i.id,
		DescriptionID:   i.descriptionID,
		Lifecycle:       i.lifecycle,
		Steps:           i.Steps(),
		Parameter:       i.parameter,
		CustomState:     i.customState,
		IdempotencyKey:  i.idempotencyKey.Value(),
		ActorMessageID:  i.actorMessageID,
		TransactionID:   i.transactionID,
		MeteringPointID: i.meteringPointID,
		RowVersion:      i.rowVersion,
	}
}

// Rehydrate rebuilds an Instance from stored rows without running the factory.
// It is meant for stores only.
func Rehydrate(s InstanceSnapshot) (*Instance, error) {
	if s.ID == uuid.Nil {
		return nil, schema.NewError(schema.ErrCodeStore, "rehydrate: instance id is missing")
	}
	if s.Lifecycle.CreatedBy == nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "rehydrate %s: created_by is missing", s.ID)
	}
	steps := slices.Clone(s.Steps)
	slices.SortFunc(steps, func(a, b StepInstance) int { return a.Sequence - b.Sequence })

	inst := &Instance{
		id:              s.ID,
		descriptionID:   s.DescriptionID,
		lifecycle:       s.Lifecycle,
		steps:           steps,
		parameter:       s.Parameter,
		customState:     s.CustomState,
		actorMessageID:  s.ActorMessageID,
		transactionID:   s.TransactionID,
		meteringPointID: s.MeteringPointID,
		rowVersion:      s.RowVersion,
	}
	if s.IdempotencyKey != "" {
		key, err := NewIdempotencyKey(s.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		inst.idempotencyKey = key
	}
	return inst, nil
}
