package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/procman/internal/orchestration"
	"github.com/rendis/procman/pkg/schema"
)

// MemoryStore is an in-process Store. Data does not survive a restart.
type MemoryStore struct {
	mu           sync.RWMutex
	descriptions map[uuid.UUID]*orchestration.Description
	instances    map[uuid.UUID]orchestration.InstanceSnapshot
	byDigest     map[string]uuid.UUID
	events       map[uuid.UUID][]orchestration.Event
	measurements map[uuid.UUID]orchestration.SendMeasurementsInstance
	smByDigest   map[string]uuid.UUID
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		descriptions: make(map[uuid.UUID]*orchestration.Description),
		instances:    make(map[uuid.UUID]orchestration.InstanceSnapshot),
		byDigest:     make(map[string]uuid.UUID),
		events:       make(map[uuid.UUID][]orchestration.Event),
		measurements: make(map[uuid.UUID]orchestration.SendMeasurementsInstance),
		smByDigest:   make(map[string]uuid.UUID),
	}
}

func (m *MemoryStore) Migrate(context.Context) error { return nil }
func (m *MemoryStore) Ping(context.Context) error    { return nil }
func (m *MemoryStore) Close() error                  { return nil }

// --- Descriptions ---

func (m *MemoryStore) UpsertDescription(_ context.Context, desc *orchestration.Description) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if existing := m.findDescription(desc.UniqueName); existing != nil {
		desc.ID = existing.ID
		desc.CreatedAt = existing.CreatedAt
	} else {
		if desc.ID == uuid.Nil {
			desc.ID = uuid.New()
		}
		desc.CreatedAt = now
	}
	desc.UpdatedAt = now
	m.descriptions[desc.ID] = cloneDescription(desc)
	return nil
}

func (m *MemoryStore) GetDescription(_ context.Context, name orchestration.UniqueName) (*orchestration.Description, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d := m.findDescription(name)
	if d == nil {
		return nil, storeNotFound("description", name.String())
	}
	return cloneDescription(d), nil
}

func (m *MemoryStore) GetDescriptionByID(_ context.Context, id uuid.UUID) (*orchestration.Description, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.descriptions[id]
	if !ok {
		return nil, storeNotFound("description", id.String())
	}
	return cloneDescription(d), nil
}

func (m *MemoryStore) ListDescriptions(_ context.Context, filter DescriptionFilter) ([]*orchestration.Description, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*orchestration.Description
	for _, d := range m.descriptions {
		if filter.HostName != "" && d.HostName != filter.HostName {
			continue
		}
		if filter.Name != "" && d.UniqueName.Name != filter.Name {
			continue
		}
		if filter.EnabledOnly && !d.IsEnabled {
			continue
		}
		if filter.RecurringOnly && !d.IsRecurring() {
			continue
		}
		out = append(out, cloneDescription(d))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UniqueName.Name != out[j].UniqueName.Name {
			return out[i].UniqueName.Name < out[j].UniqueName.Name
		}
		return out[i].UniqueName.Version < out[j].UniqueName.Version
	})
	return out, nil
}

func (m *MemoryStore) DisableDescriptionsExcept(_ context.Context, hostName string, keep []orchestration.UniqueName) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, d := range m.descriptions {
		if d.HostName != hostName || !d.IsEnabled || slices.Contains(keep, d.UniqueName) {
			continue
		}
		d.IsEnabled = false
		d.UpdatedAt = time.Now().UTC()
		n++
	}
	return n, nil
}

func (m *MemoryStore) findDescription(name orchestration.UniqueName) *orchestration.Description {
	for _, d := range m.descriptions {
		if d.UniqueName == name {
			return d
		}
	}
	return nil
}

func cloneDescription(d *orchestration.Description) *orchestration.Description {
	cp := *d
	cp.Steps = slices.Clone(d.Steps)
	cp.ParameterSchema = slices.Clone(d.ParameterSchema)
	return &cp
}

// --- Instances ---

func (m *MemoryStore) AddInstance(_ context.Context, inst *orchestration.Instance) ([]orchestration.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := inst.Snapshot()
	if _, ok := m.instances[snap.ID]; ok {
		return nil, schema.NewErrorf(schema.ErrCodeAlreadyExists, "instance %q already exists", snap.ID)
	}
	digest := ""
	if key := inst.IdempotencyKey(); !key.IsZero() {
		digest = key.Hex()
		if _, ok := m.byDigest[digest]; ok {
			return nil, schema.NewError(schema.ErrCodeAlreadyExists, "idempotency key already used")
		}
	}
	snap.RowVersion = 1
	m.instances[snap.ID] = snap
	if digest != "" {
		m.byDigest[digest] = snap.ID
	}
	written := m.appendEvents(snap.ID, inst.PendingEvents())
	inst.StampRowVersion(1)
	inst.ClearPendingEvents()
	return written, nil
}

func (m *MemoryStore) UpdateInstance(_ context.Context, inst *orchestration.Instance) ([]orchestration.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := inst.Snapshot()
	stored, ok := m.instances[snap.ID]
	if !ok {
		return nil, storeNotFound("instance", snap.ID.String())
	}
	if stored.RowVersion != snap.RowVersion {
		return nil, storeConflict("instance", snap.ID.String(), snap.RowVersion)
	}
	snap.RowVersion++
	m.instances[snap.ID] = snap
	written := m.appendEvents(snap.ID, inst.PendingEvents())
	inst.StampRowVersion(snap.RowVersion)
	inst.ClearPendingEvents()
	return written, nil
}

func (m *MemoryStore) GetInstance(_ context.Context, id uuid.UUID) (*orchestration.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.instances[id]
	if !ok {
		return nil, storeNotFound("instance", id.String())
	}
	return orchestration.Rehydrate(snap)
}

func (m *MemoryStore) GetInstanceByIdempotencyKey(_ context.Context, key orchestration.IdempotencyKey) (*orchestration.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byDigest[key.Hex()]
	if !ok {
		return nil, nil
	}
	return orchestration.Rehydrate(m.instances[id])
}

func (m *MemoryStore) SearchInstances(_ context.Context, filter InstanceFilter) ([]*orchestration.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var snaps []orchestration.InstanceSnapshot
	for _, snap := range m.instances {
		if m.matches(snap, filter) {
			snaps = append(snaps, snap)
		}
	}
	return hydrateSorted(snaps, func(a, b orchestration.InstanceSnapshot) bool {
		if !a.Lifecycle.CreatedAt.Equal(b.Lifecycle.CreatedAt) {
			return a.Lifecycle.CreatedAt.Before(b.Lifecycle.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	}, filter.Limit)
}

func (m *MemoryStore) GetDueScheduledInstances(_ context.Context, asOf time.Time) ([]*orchestration.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var snaps []orchestration.InstanceSnapshot
	for _, snap := range m.instances {
		lc := snap.Lifecycle
		if lc.State == schema.InstanceStatePending && lc.ScheduledToRunAt != nil && !lc.ScheduledToRunAt.After(asOf) {
			snaps = append(snaps, snap)
		}
	}
	return hydrateSorted(snaps, func(a, b orchestration.InstanceSnapshot) bool {
		if !a.Lifecycle.ScheduledToRunAt.Equal(*b.Lifecycle.ScheduledToRunAt) {
			return a.Lifecycle.ScheduledToRunAt.Before(*b.Lifecycle.ScheduledToRunAt)
		}
		return a.ID.String() < b.ID.String()
	}, 0)
}

func (m *MemoryStore) matches(snap orchestration.InstanceSnapshot, f InstanceFilter) bool {
	lc := snap.Lifecycle
	if f.Name != "" {
		d, ok := m.descriptions[snap.DescriptionID]
		if !ok || d.UniqueName.Name != f.Name || (f.Version > 0 && d.UniqueName.Version != f.Version) {
			return false
		}
	}
	if len(f.LifecycleStates) > 0 && !slices.Contains(f.LifecycleStates, lc.State) {
		return false
	}
	if f.TerminationState != "" && lc.TerminationState != f.TerminationState {
		return false
	}
	if f.StartedAtOrLater != nil && (lc.StartedAt == nil || lc.StartedAt.Before(*f.StartedAtOrLater)) {
		return false
	}
	if f.TerminatedAtOrEarlier != nil && (lc.TerminatedAt == nil || lc.TerminatedAt.After(*f.TerminatedAtOrEarlier)) {
		return false
	}
	if f.ScheduledAtOrLater != nil && (lc.ScheduledToRunAt == nil || lc.ScheduledToRunAt.Before(*f.ScheduledAtOrLater)) {
		return false
	}
	if f.ScheduledAt != nil && (lc.ScheduledToRunAt == nil || !lc.ScheduledToRunAt.Equal(*f.ScheduledAt)) {
		return false
	}
	return true
}

func hydrateSorted(snaps []orchestration.InstanceSnapshot, less func(a, b orchestration.InstanceSnapshot) bool, limit int) ([]*orchestration.Instance, error) {
	sort.Slice(snaps, func(i, j int) bool { return less(snaps[i], snaps[j]) })
	if limit > 0 && len(snaps) > limit {
		snaps = snaps[:limit]
	}
	out := make([]*orchestration.Instance, 0, len(snaps))
	for _, snap := range snaps {
		inst, err := orchestration.Rehydrate(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// --- Event log ---

func (m *MemoryStore) AppendEvent(_ context.Context, event *orchestration.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.instances[event.InstanceID]; !ok {
		return storeNotFound("instance", event.InstanceID.String())
	}
	written := m.appendEvents(event.InstanceID, []orchestration.Event{*event})
	*event = written[0]
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, instanceID uuid.UUID, since int64) ([]orchestration.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []orchestration.Event
	for _, ev := range m.events[instanceID] {
		if ev.Sequence > since {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *MemoryStore) appendEvents(id uuid.UUID, events []orchestration.Event) []orchestration.Event {
	if len(events) == 0 {
		return nil
	}
	log := m.events[id]
	last := int64(len(log))
	out := make([]orchestration.Event, 0, len(events))
	for _, ev := range events {
		last++
		ev.InstanceID = id
		ev.Sequence = last
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}
		out = append(out, ev)
	}
	m.events[id] = append(log, out...)
	return out
}

// --- Send measurements ---

func (m *MemoryStore) AddSendMeasurements(_ context.Context, sm *orchestration.SendMeasurementsInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	digest := sm.IdempotencyKey.Hex()
	if _, ok := m.smByDigest[digest]; ok {
		return schema.NewError(schema.ErrCodeAlreadyExists, "idempotency key already used")
	}
	sm.RowVersion = 1
	m.measurements[sm.ID] = *sm
	m.smByDigest[digest] = sm.ID
	return nil
}

func (m *MemoryStore) GetSendMeasurements(_ context.Context, id uuid.UUID) (*orchestration.SendMeasurementsInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sm, ok := m.measurements[id]
	if !ok {
		return nil, storeNotFound("send-measurements instance", id.String())
	}
	return &sm, nil
}

func (m *MemoryStore) GetSendMeasurementsByIdempotencyKey(_ context.Context, key orchestration.IdempotencyKey) (*orchestration.SendMeasurementsInstance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.smByDigest[key.Hex()]
	if !ok {
		return nil, nil
	}
	sm := m.measurements[id]
	return &sm, nil
}

func (m *MemoryStore) UpdateSendMeasurements(_ context.Context, sm *orchestration.SendMeasurementsInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.measurements[sm.ID]
	if !ok {
		return storeNotFound("send-measurements instance", sm.ID.String())
	}
	if stored.RowVersion != sm.RowVersion {
		return storeConflict("send-measurements instance", sm.ID.String(), sm.RowVersion)
	}
	sm.RowVersion++
	m.measurements[sm.ID] = *sm
	return nil
}

var _ Store = (*MemoryStore)(nil)
