package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procman/internal/identity"
	"github.com/rendis/procman/internal/orchestration"
	"github.com/rendis/procman/internal/store"
	"github.com/rendis/procman/internal/streaming"
	"github.com/rendis/procman/pkg/schema"
)

var (
	testNow   = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	testActor = identity.MustActor("5790001330583", "EnergySupplier")
	testHost  = "calculations"
)

func actorID() identity.OperatingIdentity {
	return identity.ActorIdentity{Actor: testActor}
}

func userID() identity.OperatingIdentity {
	return identity.UserIdentity{UserID: uuid.New(), Actor: testActor}
}

type notifyCall struct {
	InstanceID uuid.UUID
	EventName  string
	EventData  json.RawMessage
}

// recordingExecutor records every call and fails with the configured errors.
type recordingExecutor struct {
	mu        sync.Mutex
	starts    []uuid.UUID
	notifies  []notifyCall
	startErr  error
	notifyErr error
}

func (e *recordingExecutor) StartNewOrchestrationInstance(_ context.Context, _ *orchestration.Description, inst *orchestration.Instance) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.starts = append(e.starts, inst.ID())
	return e.startErr
}

func (e *recordingExecutor) NotifyOrchestrationInstance(_ context.Context, id uuid.UUID, name string, data json.RawMessage) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notifies = append(e.notifies, notifyCall{InstanceID: id, EventName: name, EventData: data})
	return e.notifyErr
}

func (e *recordingExecutor) startCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.starts)
}

func (e *recordingExecutor) notifyCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.notifies)
}

// conflictingStore fails the next n instance updates with a concurrency conflict.
type conflictingStore struct {
	store.Store
	mu        sync.Mutex
	conflicts int
	updates   int
}

func (s *conflictingStore) UpdateInstance(ctx context.Context, inst *orchestration.Instance) ([]orchestration.Event, error) {
	s.mu.Lock()
	s.updates++
	if s.conflicts > 0 {
		s.conflicts--
		s.mu.Unlock()
		return nil, schema.NewError(schema.ErrCodeConflict, "instance was modified concurrently")
	}
	s.mu.Unlock()
	return s.Store.UpdateInstance(ctx, inst)
}

// blindKeyStore misses the first idempotency lookup, like a request that lost
// the race against a concurrent insert with the same key.
type blindKeyStore struct {
	store.Store
	mu     sync.Mutex
	missed bool
}

func (s *blindKeyStore) GetInstanceByIdempotencyKey(ctx context.Context, key orchestration.IdempotencyKey) (*orchestration.Instance, error) {
	s.mu.Lock()
	if !s.missed {
		s.missed = true
		s.mu.Unlock()
		return nil, nil
	}
	s.mu.Unlock()
	return s.Store.GetInstanceByIdempotencyKey(ctx, key)
}

func (s *blindKeyStore) GetSendMeasurementsByIdempotencyKey(ctx context.Context, key orchestration.IdempotencyKey) (*orchestration.SendMeasurementsInstance, error) {
	s.mu.Lock()
	if !s.missed {
		s.missed = true
		s.mu.Unlock()
		return nil, nil
	}
	s.mu.Unlock()
	return s.Store.GetSendMeasurementsByIdempotencyKey(ctx, key)
}

type fixture struct {
	coord    *Coordinator
	store    store.Store
	executor *recordingExecutor
	clock    *orchestration.ManualClock
	hub      *streaming.MemoryHub
}

func newFixture(t *testing.T, wrap ...func(store.Store) store.Store) *fixture {
	t.Helper()
	var s store.Store = store.NewMemoryStore()
	for _, w := range wrap {
		s = w(s)
	}
	f := &fixture{
		store:    s,
		executor: &recordingExecutor{},
		clock:    orchestration.NewManualClock(testNow),
		hub:      streaming.NewMemoryHub(),
	}
	coord, err := NewCoordinator(CoordinatorDeps{
		Store:    f.store,
		Executor: f.executor,
		Clock:    f.clock,
		Hub:      f.hub,
	})
	require.NoError(t, err)
	f.coord = coord
	return f
}

// schedulableDescription has two steps, the second one skippable.
func schedulableDescription() *orchestration.Description {
	d := orchestration.NewDescription(orchestration.UniqueName{Name: "brs_023_027", Version: 1}, "StartCalculation")
	d.CanBeScheduled = true
	d.IsDurableFunction = true
	d.AppendStep("Calculate", false)
	d.AppendStep("Enqueue messages", true)
	return d
}

// inProcessDescription is not run by the executor.
func inProcessDescription() *orchestration.Description {
	d := orchestration.NewDescription(orchestration.UniqueName{Name: "brs_021_forward_metered_data", Version: 1}, "ForwardMeteredData")
	d.IsDurableFunction = false
	d.AppendStep("Forward", false)
	return d
}

func (f *fixture) register(t *testing.T, descs ...*orchestration.Description) {
	t.Helper()
	for _, d := range descs {
		require.NoError(t, f.coord.RegisterOrUpdateDescription(context.Background(), d, testHost))
	}
}

func (f *fixture) instance(t *testing.T, id uuid.UUID) *orchestration.Instance {
	t.Helper()
	inst, err := f.coord.GetOrchestrationInstanceByID(context.Background(), id)
	require.NoError(t, err)
	return inst
}
