package engine

import (
	"context"

	"github.com/google/uuid"

	"github.com/rendis/procman/internal/expressions"
	"github.com/rendis/procman/internal/orchestration"
	"github.com/rendis/procman/internal/store"
	"github.com/rendis/procman/pkg/schema"
)

// CustomQuery selects instances with store filters first and an expression second.
type CustomQuery struct {
	Filter store.InstanceFilter
	expressions.Query
}

// GetOrchestrationInstanceByID loads an instance or fails with NOT_FOUND.
func (c *Coordinator) GetOrchestrationInstanceByID(ctx context.Context, id uuid.UUID) (*orchestration.Instance, error) {
	return c.store.GetInstance(ctx, id)
}

// GetOrchestrationInstanceByIdempotencyKey returns the instance created with key,
// or nil without error when there is none. Keys are unique across descriptions.
func (c *Coordinator) GetOrchestrationInstanceByIdempotencyKey(ctx context.Context, key string) (*orchestration.Instance, error) {
	k, err := orchestration.NewIdempotencyKey(key)
	if err != nil {
		return nil, err
	}
	return c.store.GetInstanceByIdempotencyKey(ctx, k)
}

// SearchOrchestrationInstancesByName returns instances of the named description
// matching the remaining filter fields.
func (c *Coordinator) SearchOrchestrationInstancesByName(ctx context.Context, filter store.InstanceFilter) ([]*orchestration.Instance, error) {
	if filter.Name == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidRequest, "description name is required")
	}
	return c.store.SearchInstances(ctx, filter)
}

// SearchOrchestrationInstancesByCustomQuery loads instances by q.Filter and keeps
// those accepted by the predicate, reshaped by the projection when one is given.
func (c *Coordinator) SearchOrchestrationInstancesByCustomQuery(ctx context.Context, q CustomQuery) (matches []expressions.Match, err error) {
	ctx, end := c.telemetry.Track(ctx, "custom_query")
	defer func() { end(err) }()

	if err := c.queries.Validate(q.Query); err != nil {
		return nil, err
	}
	instances, err := c.store.SearchInstances(ctx, q.Filter)
	if err != nil {
		return nil, err
	}
	return c.queries.Filter(ctx, q.Query, instances)
}

// GetInstanceEvents returns the lifecycle events of an instance with a sequence
// greater than since.
func (c *Coordinator) GetInstanceEvents(ctx context.Context, id uuid.UUID, since int64) ([]orchestration.Event, error) {
	if _, err := c.store.GetInstance(ctx, id); err != nil {
		return nil, err
	}
	return c.store.GetEvents(ctx, id, since)
}

// GetDescription loads a description by unique name.
func (c *Coordinator) GetDescription(ctx context.Context, name orchestration.UniqueName) (*orchestration.Description, error) {
	return c.store.GetDescription(ctx, name)
}

// ListDescriptions returns registered descriptions.
func (c *Coordinator) ListDescriptions(ctx context.Context, filter store.DescriptionFilter) ([]*orchestration.Description, error) {
	return c.store.ListDescriptions(ctx, filter)
}
