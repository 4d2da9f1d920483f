package engine

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/rendis/procman/internal/orchestration"
)

// Executor is the durable-execution engine that runs the steps of instances
// whose description is a durable function. It reports progress back through the
// Coordinator's callback methods.
type Executor interface {
	StartNewOrchestrationInstance(ctx context.Context, desc *orchestration.Description, inst *orchestration.Instance) error
	NotifyOrchestrationInstance(ctx context.Context, instanceID uuid.UUID, eventName string, eventData json.RawMessage) error
}

// ExecutorFunc adapts a start function into an Executor that ignores notifications.
type ExecutorFunc func(ctx context.Context, desc *orchestration.Description, inst *orchestration.Instance) error

func (f ExecutorFunc) StartNewOrchestrationInstance(ctx context.Context, desc *orchestration.Description, inst *orchestration.Instance) error {
	return f(ctx, desc, inst)
}

func (f ExecutorFunc) NotifyOrchestrationInstance(context.Context, uuid.UUID, string, json.RawMessage) error {
	return nil
}
