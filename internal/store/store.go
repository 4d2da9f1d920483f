package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/procman/internal/orchestration"
	"github.com/rendis/procman/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use. Every write is one transaction.
type Store interface {
	// Descriptions
	UpsertDescription(ctx context.Context, desc *orchestration.Description) error
	GetDescription(ctx context.Context, name orchestration.UniqueName) (*orchestration.Description, error)
	GetDescriptionByID(ctx context.Context, id uuid.UUID) (*orchestration.Description, error)
	ListDescriptions(ctx context.Context, filter DescriptionFilter) ([]*orchestration.Description, error)
	DisableDescriptionsExcept(ctx context.Context, hostName string, keep []orchestration.UniqueName) (int64, error)

	// Instances. Add and Update write the instance's pending events in the same
	// transaction and return them with their assigned sequence numbers.
	AddInstance(ctx context.Context, inst *orchestration.Instance) ([]orchestration.Event, error)
	GetInstance(ctx context.Context, id uuid.UUID) (*orchestration.Instance, error)
	GetInstanceByIdempotencyKey(ctx context.Context, key orchestration.IdempotencyKey) (*orchestration.Instance, error)
	UpdateInstance(ctx context.Context, inst *orchestration.Instance) ([]orchestration.Event, error)
	SearchInstances(ctx context.Context, filter InstanceFilter) ([]*orchestration.Instance, error)
	GetDueScheduledInstances(ctx context.Context, asOf time.Time) ([]*orchestration.Instance, error)

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *orchestration.Event) error
	GetEvents(ctx context.Context, instanceID uuid.UUID, since int64) ([]orchestration.Event, error)

	// Send measurements
	AddSendMeasurements(ctx context.Context, sm *orchestration.SendMeasurementsInstance) error
	GetSendMeasurements(ctx context.Context, id uuid.UUID) (*orchestration.SendMeasurementsInstance, error)
	GetSendMeasurementsByIdempotencyKey(ctx context.Context, key orchestration.IdempotencyKey) (*orchestration.SendMeasurementsInstance, error)
	UpdateSendMeasurements(ctx context.Context, sm *orchestration.SendMeasurementsInstance) error

	// Maintenance
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Driver names accepted by Open.
const (
	DriverLibSQL = "libsql"
	DriverSQLite = "sqlite"
	DriverPgx    = "pgx"
	DriverMemory = "memory"
)

// Open returns the store for driver. The memory driver ignores dsn.
func Open(driver, dsn string) (Store, error) {
	if driver == DriverMemory {
		return NewMemoryStore(), nil
	}
	return NewSQLStore(driver, dsn)
}

// DescriptionFilter controls description listing.
type DescriptionFilter struct {
	HostName    string
	Name        string
	EnabledOnly bool
	// RecurringOnly keeps descriptions with a recurring cron expression.
	RecurringOnly bool
}

// InstanceFilter controls instance search. Zero fields do not filter.
type InstanceFilter struct {
	Name                  string
	Version               int
	LifecycleStates       []schema.InstanceLifecycleState
	TerminationState      schema.InstanceTerminationState
	StartedAtOrLater      *time.Time
	TerminatedAtOrEarlier *time.Time
	ScheduledAtOrLater    *time.Time
	// ScheduledAt matches an exact scheduled start time.
	ScheduledAt *time.Time
	Limit       int
}

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeConflict(resource, id string, expected int64) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeConflict, "%s %q was modified concurrently", resource, id).
		WithDetails(map[string]any{"expected_row_version": expected})
}
