package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/procman/internal/identity"
	"github.com/rendis/procman/internal/orchestration"
	"github.com/rendis/procman/pkg/schema"
)

var (
	testActor = identity.MustActor("5790001330583", "EnergySupplier")
	testStart = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLStore(DriverSQLite, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newLibSQLStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLStore(DriverLibSQL, "file:"+filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newPostgresStore needs PROCMAN_TEST_POSTGRES_DSN pointing at an empty database.
func newPostgresStore(t *testing.T) Store {
	t.Helper()
	dsn := os.Getenv("PROCMAN_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("PROCMAN_TEST_POSTGRES_DSN not set")
	}
	s, err := NewSQLStore(DriverPgx, dsn)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))
	for _, table := range []string{"instance_events", "step_instances", "orchestration_instances",
		"orchestration_descriptions", "send_measurements_instances"} {
		_, err := s.DB().ExecContext(ctx, "DELETE FROM "+table)
		require.NoError(t, err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newMemStore(t *testing.T) Store {
	t.Helper()
	return NewMemoryStore()
}

var backends = map[string]func(t *testing.T) Store{
	"sqlite":   newSQLiteStore,
	"libsql":   newLibSQLStore,
	"postgres": newPostgresStore,
	"memory":   newMemStore,
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			fn(t, open(t))
		})
	}
}

func seedDescription(t *testing.T, s Store, name string) *orchestration.Description {
	t.Helper()
	d := orchestration.NewDescription(orchestration.UniqueName{Name: name, Version: 1}, "Run"+name)
	d.HostName = "host-a"
	d.CanBeScheduled = true
	d.IsDurableFunction = true
	d.AppendStep("first", false)
	d.AppendStep("second", true)
	require.NoError(t, s.UpsertDescription(context.Background(), d))
	return d
}

func newInstance(t *testing.T, d *orchestration.Description, clock orchestration.Clock, runAt *time.Time, opts ...orchestration.CreateOption) *orchestration.Instance {
	t.Helper()
	inst, err := orchestration.CreateFromDescription(identity.ActorIdentity{Actor: testActor}, d, nil, clock, runAt, opts...)
	require.NoError(t, err)
	return inst
}

// --- Descriptions ---

func TestUpsertDescription_KeepsIDAcrossUpdates(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		d := seedDescription(t, s, "brs_021")
		firstID := d.ID

		again := orchestration.NewDescription(d.UniqueName, "RunChanged")
		again.HostName = "host-a"
		again.AppendStep("only", false)
		require.NoError(t, s.UpsertDescription(ctx, again))
		assert.Equal(t, firstID, again.ID)

		got, err := s.GetDescription(ctx, d.UniqueName)
		require.NoError(t, err)
		assert.Equal(t, firstID, got.ID)
		assert.Equal(t, "RunChanged", got.FunctionName)
		assert.Len(t, got.Steps, 1)

		byID, err := s.GetDescriptionByID(ctx, firstID)
		require.NoError(t, err)
		assert.Equal(t, got.UniqueName, byID.UniqueName)
	})
}

func TestGetDescription_NotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		_, err := s.GetDescription(context.Background(), orchestration.UniqueName{Name: "missing", Version: 1})
		assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	})
}

func TestDisableDescriptionsExcept(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		keep := seedDescription(t, s, "keep")
		seedDescription(t, s, "drop")

		n, err := s.DisableDescriptionsExcept(ctx, "host-a", []orchestration.UniqueName{keep.UniqueName})
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		enabled, err := s.ListDescriptions(ctx, DescriptionFilter{HostName: "host-a", EnabledOnly: true})
		require.NoError(t, err)
		require.Len(t, enabled, 1)
		assert.Equal(t, "keep", enabled[0].UniqueName.Name)

		all, err := s.ListDescriptions(ctx, DescriptionFilter{HostName: "host-a"})
		require.NoError(t, err)
		assert.Len(t, all, 2, "disabled descriptions are kept")
	})
}

// --- Instances ---

func TestAddAndGetInstance(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		clock := orchestration.NewManualClock(testStart)
		d := seedDescription(t, s, "brs_023")
		param, _ := orchestration.NewBox(map[string]string{"grid_area": "804"})
		inst, err := orchestration.CreateFromDescription(identity.ActorIdentity{Actor: testActor}, d, []int{2}, clock, nil,
			orchestration.WithParameter(param))
		require.NoError(t, err)

		events, err := s.AddInstance(ctx, inst)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(1), events[0].Sequence)
		assert.Equal(t, int64(2), events[1].Sequence)
		assert.Empty(t, inst.PendingEvents())
		assert.Equal(t, int64(1), inst.RowVersion())

		got, err := s.GetInstance(ctx, inst.ID())
		require.NoError(t, err)
		assert.Equal(t, inst.Snapshot(), got.Snapshot())

		_, err = s.GetInstance(ctx, uuid.New())
		assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	})
}

func TestUpdateInstance_OptimisticConcurrency(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		clock := orchestration.NewManualClock(testStart)
		d := seedDescription(t, s, "brs_024")
		inst := newInstance(t, d, clock, nil)
		_, err := s.AddInstance(ctx, inst)
		require.NoError(t, err)

		a, err := s.GetInstance(ctx, inst.ID())
		require.NoError(t, err)
		b, err := s.GetInstance(ctx, inst.ID())
		require.NoError(t, err)

		require.NoError(t, a.TransitionToQueued(clock))
		_, err = s.UpdateInstance(ctx, a)
		require.NoError(t, err)
		assert.Equal(t, int64(2), a.RowVersion())

		require.NoError(t, b.TransitionToQueued(clock))
		_, err = s.UpdateInstance(ctx, b)
		assert.True(t, schema.HasCode(err, schema.ErrCodeConflict))

		require.NoError(t, a.TransitionToRunning(clock))
		require.NoError(t, a.TransitionStepToRunning(1, clock))
		events, err := s.UpdateInstance(ctx, a)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, int64(3), events[0].Sequence)

		got, err := s.GetInstance(ctx, inst.ID())
		require.NoError(t, err)
		assert.Equal(t, schema.InstanceStateRunning, got.Lifecycle().State)
		step, _ := got.Step(1)
		assert.Equal(t, schema.StepStateRunning, step.Lifecycle.State)
	})
}

func TestIdempotencyKey_UniqueAndLookup(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		clock := orchestration.NewManualClock(testStart)
		d := seedDescription(t, s, "brs_026")
		key, _ := orchestration.NewIdempotencyKey("msg-1")

		missing, err := s.GetInstanceByIdempotencyKey(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, missing)

		first := newInstance(t, d, clock, nil, orchestration.WithMessage(key, "am-1", "tx-1", ""))
		_, err = s.AddInstance(ctx, first)
		require.NoError(t, err)

		dup := newInstance(t, d, clock, nil, orchestration.WithMessage(key, "am-2", "tx-2", ""))
		_, err = s.AddInstance(ctx, dup)
		assert.True(t, schema.HasCode(err, schema.ErrCodeAlreadyExists))

		found, err := s.GetInstanceByIdempotencyKey(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, first.ID(), found.ID())
		assert.Equal(t, "tx-1", found.TransactionID())
	})
}

func TestGetDueScheduledInstances_ExactSet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		clock := orchestration.NewManualClock(testStart)
		d := seedDescription(t, s, "brs_025")
		past := testStart.Add(-time.Hour)
		future := testStart.Add(time.Hour)

		due := newInstance(t, d, clock, &past)
		exact := newInstance(t, d, clock, &testStart)
		later := newInstance(t, d, clock, &future)
		unscheduled := newInstance(t, d, clock, nil)
		queued := newInstance(t, d, clock, &past)
		require.NoError(t, queued.TransitionToQueued(clock))

		for _, inst := range []*orchestration.Instance{due, exact, later, unscheduled, queued} {
			_, err := s.AddInstance(ctx, inst)
			require.NoError(t, err)
		}

		got, err := s.GetDueScheduledInstances(ctx, testStart)
		require.NoError(t, err)
		ids := make([]uuid.UUID, 0, len(got))
		for _, g := range got {
			ids = append(ids, g.ID())
		}
		assert.ElementsMatch(t, []uuid.UUID{due.ID(), exact.ID()}, ids)
	})
}

func TestSearchInstances(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		clock := orchestration.NewManualClock(testStart)
		d1 := seedDescription(t, s, "alpha")
		d2 := seedDescription(t, s, "beta")

		a1 := newInstance(t, d1, clock, nil)
		require.NoError(t, a1.TransitionToQueued(clock))
		clock.Advance(time.Minute)
		require.NoError(t, a1.TransitionToRunning(clock))
		a2 := newInstance(t, d1, clock, nil)
		b1 := newInstance(t, d2, clock, nil)
		for _, inst := range []*orchestration.Instance{a1, a2, b1} {
			_, err := s.AddInstance(ctx, inst)
			require.NoError(t, err)
		}

		got, err := s.SearchInstances(ctx, InstanceFilter{Name: "alpha"})
		require.NoError(t, err)
		assert.Len(t, got, 2)

		got, err = s.SearchInstances(ctx, InstanceFilter{Name: "alpha", LifecycleStates: []schema.InstanceLifecycleState{schema.InstanceStateRunning}})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, a1.ID(), got[0].ID())

		started := testStart.Add(30 * time.Second)
		got, err = s.SearchInstances(ctx, InstanceFilter{StartedAtOrLater: &started})
		require.NoError(t, err)
		assert.Len(t, got, 1)

		got, err = s.SearchInstances(ctx, InstanceFilter{Name: "alpha", Version: 2})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

// --- Events ---

func TestAppendAndGetEvents(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		clock := orchestration.NewManualClock(testStart)
		d := seedDescription(t, s, "events")
		inst := newInstance(t, d, clock, nil)
		_, err := s.AddInstance(ctx, inst)
		require.NoError(t, err)

		ev := orchestration.NewEvent(inst.ID(), schema.EventInstanceNotified, nil, testStart)
		ev.Payload = []byte(`{"event":"enqueue"}`)
		require.NoError(t, s.AppendEvent(ctx, &ev))
		assert.Equal(t, int64(2), ev.Sequence)

		all, err := s.GetEvents(ctx, inst.ID(), 0)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, schema.EventInstanceCreated, all[0].Type)
		require.NotNil(t, all[0].Identity)
		assert.Equal(t, identity.TypeActor, all[0].Identity.Type)
		assert.JSONEq(t, `{"event":"enqueue"}`, string(all[1].Payload))

		since, err := s.GetEvents(ctx, inst.ID(), 1)
		require.NoError(t, err)
		assert.Len(t, since, 1)

		missing := orchestration.NewEvent(uuid.New(), schema.EventInstanceNotified, nil, testStart)
		assert.True(t, schema.HasCode(s.AppendEvent(ctx, &missing), schema.ErrCodeNotFound))
	})
}

func TestAppendEvent_ConcurrentSequencesAreUnique(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		clock := orchestration.NewManualClock(testStart)
		d := seedDescription(t, s, "concurrent")
		inst := newInstance(t, d, clock, nil)
		_, err := s.AddInstance(ctx, inst)
		require.NoError(t, err)

		var wg sync.WaitGroup
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ev := orchestration.NewEvent(inst.ID(), schema.EventInstanceNotified, nil, testStart)
				assert.NoError(t, s.AppendEvent(ctx, &ev))
			}()
		}
		wg.Wait()

		all, err := s.GetEvents(ctx, inst.ID(), 0)
		require.NoError(t, err)
		require.Len(t, all, 11)
		for i, ev := range all {
			assert.Equal(t, int64(i+1), ev.Sequence)
		}
	})
}

// --- Send measurements ---

func TestSendMeasurements(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		clock := orchestration.NewManualClock(testStart)
		key, _ := orchestration.NewIdempotencyKey("sm-1")
		input, _ := orchestration.NewBox([]float64{1.5, 2.25})
		sm, err := orchestration.NewSendMeasurementsInstance(identity.ActorIdentity{Actor: testActor}, key, "tx", "571313180400000000", input, clock)
		require.NoError(t, err)
		require.NoError(t, s.AddSendMeasurements(ctx, sm))

		dup, _ := orchestration.NewSendMeasurementsInstance(identity.ActorIdentity{Actor: testActor}, key, "tx2", "", input, clock)
		assert.True(t, schema.HasCode(s.AddSendMeasurements(ctx, dup), schema.ErrCodeAlreadyExists))

		got, err := s.GetSendMeasurementsByIdempotencyKey(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, sm.ID, got.ID)

		stale, err := s.GetSendMeasurements(ctx, sm.ID)
		require.NoError(t, err)

		require.NoError(t, got.MarkValidated(clock))
		require.NoError(t, s.UpdateSendMeasurements(ctx, got))

		require.NoError(t, stale.MarkFailed(clock, "late"))
		assert.True(t, schema.HasCode(s.UpdateSendMeasurements(ctx, stale), schema.ErrCodeConflict))

		final, err := s.GetSendMeasurements(ctx, sm.ID)
		require.NoError(t, err)
		assert.Equal(t, schema.MilestoneValidated, final.Milestone)
		assert.Equal(t, testStart, *final.ValidatedAt)
		vals, err := orchestration.As[[]float64](final.Input)
		require.NoError(t, err)
		assert.Equal(t, []float64{1.5, 2.25}, vals)

		none, _ := orchestration.NewIdempotencyKey("unknown")
		missing, err := s.GetSendMeasurementsByIdempotencyKey(ctx, none)
		require.NoError(t, err)
		assert.Nil(t, missing)
	})
}

// --- Dialect helpers ---

func TestRebind(t *testing.T) {
	q := "SELECT * FROM t WHERE a = ? AND b IN (?, ?)"
	assert.Equal(t, q, dialectSQLite.rebind(q))
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b IN ($2, $3)", dialectPostgres.rebind(q))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("oracle", "")
	assert.True(t, schema.HasCode(err, schema.ErrCodeInvalidRequest))

	s, err := Open(DriverMemory, "")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newSQLiteStore(t)
	require.NoError(t, s.Migrate(context.Background()))
}
