package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/procman/internal/identity"
	"github.com/rendis/procman/internal/orchestration"
	"github.com/rendis/procman/pkg/schema"
)

const instanceColumns = `i.id, i.description_id, i.lifecycle_state, i.termination_state,
	i.created_by_type, i.created_by_actor_number, i.created_by_actor_role, i.created_by_user_id, i.created_at,
	i.scheduled_to_run_at, i.queued_at, i.started_at, i.terminated_at,
	i.canceled_by_type, i.canceled_by_actor_number, i.canceled_by_actor_role, i.canceled_by_user_id,
	i.parameter_value, i.parameter_type, i.custom_state_value, i.custom_state_type,
	i.idempotency_key, i.actor_message_id, i.transaction_id, i.metering_point_id, i.row_version`

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// AddInstance inserts a new instance with its steps and pending events.
// A duplicate idempotency key yields ALREADY_EXISTS.
func (s *SQLStore) AddInstance(ctx context.Context, inst *orchestration.Instance) ([]orchestration.Event, error) {
	snap := inst.Snapshot()
	lc := snap.Lifecycle
	createdBy, err := identityColumns(lc.CreatedBy)
	if err != nil {
		return nil, err
	}
	canceledBy, err := identityColumns(lc.CanceledBy)
	if err != nil {
		return nil, err
	}
	var digest []byte
	if key := inst.IdempotencyKey(); !key.IsZero() {
		digest = key.Digest()
	}

	var written []orchestration.Event
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO orchestration_instances (id, description_id, lifecycle_state, termination_state,
				created_by_type, created_by_actor_number, created_by_actor_role, created_by_user_id, created_at,
				scheduled_to_run_at, queued_at, started_at, terminated_at,
				canceled_by_type, canceled_by_actor_number, canceled_by_actor_role, canceled_by_user_id,
				parameter_value, parameter_type, custom_state_value, custom_state_type,
				idempotency_key, idempotency_digest, actor_message_id, transaction_id, metering_point_id, row_version)
			 VALUES (`+placeholders(27)+`)`),
			snap.ID.String(), snap.DescriptionID.String(), string(lc.State), nullStr(string(lc.TerminationState)),
			createdBy[0], createdBy[1], createdBy[2], createdBy[3], nanos(lc.CreatedAt),
			nullNanos(lc.ScheduledToRunAt), nullNanos(lc.QueuedAt), nullNanos(lc.StartedAt), nullNanos(lc.TerminatedAt),
			canceledBy[0], canceledBy[1], canceledBy[2], canceledBy[3],
			nullStr(snap.Parameter.SerializedValue), nullStr(snap.Parameter.ValueType),
			nullStr(snap.CustomState.SerializedValue), nullStr(snap.CustomState.ValueType),
			nullStr(snap.IdempotencyKey), nullBytes(digest), nullStr(snap.ActorMessageID),
			nullStr(snap.TransactionID), nullStr(snap.MeteringPointID), 1,
		); err != nil {
			return fmt.Errorf("insert instance %s: %w", snap.ID, err)
		}

		for _, st := range snap.Steps {
			if _, err := tx.ExecContext(ctx, s.q(
				`INSERT INTO step_instances (instance_id, sequence, id, description, can_be_skipped, lifecycle_state,
					termination_state, started_at, terminated_at, custom_state_value, custom_state_type)
				 VALUES (`+placeholders(11)+`)`),
				snap.ID.String(), st.Sequence, st.ID.String(), st.Description, boolInt(st.CanBeSkipped),
				string(st.Lifecycle.State), nullStr(string(st.Lifecycle.TerminationState)),
				nullNanos(st.Lifecycle.StartedAt), nullNanos(st.Lifecycle.TerminatedAt),
				nullStr(st.CustomState.SerializedValue), nullStr(st.CustomState.ValueType),
			); err != nil {
				return fmt.Errorf("insert step %d of %s: %w", st.Sequence, snap.ID, err)
			}
		}

		written, err = s.insertEvents(ctx, tx, snap.ID, inst.PendingEvents())
		return err
	})
	if err != nil {
		return nil, err
	}
	inst.StampRowVersion(1)
	inst.ClearPendingEvents()
	return written, nil
}

// UpdateInstance writes the mutable state of inst if its row version is current.
// A stale version yields CONCURRENCY_CONFLICT.
func (s *SQLStore) UpdateInstance(ctx context.Context, inst *orchestration.Instance) ([]orchestration.Event, error) {
	snap := inst.Snapshot()
	lc := snap.Lifecycle
	canceledBy, err := identityColumns(lc.CanceledBy)
	if err != nil {
		return nil, err
	}

	var written []orchestration.Event
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(
			`UPDATE orchestration_instances SET lifecycle_state = ?, termination_state = ?,
				scheduled_to_run_at = ?, queued_at = ?, started_at = ?, terminated_at = ?,
				canceled_by_type = ?, canceled_by_actor_number = ?, canceled_by_actor_role = ?, canceled_by_user_id = ?,
				custom_state_value = ?, custom_state_type = ?, row_version = row_version + 1
			 WHERE id = ? AND row_version = ?`),
			string(lc.State), nullStr(string(lc.TerminationState)),
			nullNanos(lc.ScheduledToRunAt), nullNanos(lc.QueuedAt), nullNanos(lc.StartedAt), nullNanos(lc.TerminatedAt),
			canceledBy[0], canceledBy[1], canceledBy[2], canceledBy[3],
			nullStr(snap.CustomState.SerializedValue), nullStr(snap.CustomState.ValueType),
			snap.ID.String(), snap.RowVersion,
		)
		if err != nil {
			return fmt.Errorf("update instance %s: %w", snap.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			var one int
			err := tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM orchestration_instances WHERE id = ?`), snap.ID.String()).Scan(&one)
			if err == sql.ErrNoRows {
				return storeNotFound("instance", snap.ID.String())
			}
			if err != nil {
				return err
			}
			return storeConflict("instance", snap.ID.String(), snap.RowVersion)
		}

		for _, st := range snap.Steps {
			if _, err := tx.ExecContext(ctx, s.q(
				`UPDATE step_instances SET lifecycle_state = ?, termination_state = ?, started_at = ?,
					terminated_at = ?, custom_state_value = ?, custom_state_type = ?
				 WHERE instance_id = ? AND sequence = ?`),
				string(st.Lifecycle.State), nullStr(string(st.Lifecycle.TerminationState)),
				nullNanos(st.Lifecycle.StartedAt), nullNanos(st.Lifecycle.TerminatedAt),
				nullStr(st.CustomState.SerializedValue), nullStr(st.CustomState.ValueType),
				snap.ID.String(), st.Sequence,
			); err != nil {
				return fmt.Errorf("update step %d of %s: %w", st.Sequence, snap.ID, err)
			}
		}

		written, err = s.insertEvents(ctx, tx, snap.ID, inst.PendingEvents())
		return err
	})
	if err != nil {
		return nil, err
	}
	inst.StampRowVersion(snap.RowVersion + 1)
	inst.ClearPendingEvents()
	return written, nil
}

func (s *SQLStore) GetInstance(ctx context.Context, id uuid.UUID) (*orchestration.Instance, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+instanceColumns+` FROM orchestration_instances i WHERE i.id = ?`), id.String())
	snap, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("instance", id.String())
	}
	if err != nil {
		return nil, translate(err)
	}
	return s.hydrate(ctx, snap)
}

// GetInstanceByIdempotencyKey returns nil without error when no instance uses key.
func (s *SQLStore) GetInstanceByIdempotencyKey(ctx context.Context, key orchestration.IdempotencyKey) (*orchestration.Instance, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+instanceColumns+` FROM orchestration_instances i WHERE i.idempotency_digest = ?`), key.Digest())
	snap, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, translate(err)
	}
	return s.hydrate(ctx, snap)
}

func (s *SQLStore) SearchInstances(ctx context.Context, filter InstanceFilter) ([]*orchestration.Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM orchestration_instances i`
	var where []string
	var args []any
	if filter.Name != "" {
		query += ` JOIN orchestration_descriptions d ON d.id = i.description_id`
		where = append(where, "d.name = ?")
		args = append(args, filter.Name)
		if filter.Version > 0 {
			where = append(where, "d.version = ?")
			args = append(args, filter.Version)
		}
	}
	if len(filter.LifecycleStates) > 0 {
		where = append(where, "i.lifecycle_state IN ("+placeholders(len(filter.LifecycleStates))+")")
		for _, st := range filter.LifecycleStates {
			args = append(args, string(st))
		}
	}
	if filter.TerminationState != "" {
		where = append(where, "i.termination_state = ?")
		args = append(args, string(filter.TerminationState))
	}
	if filter.StartedAtOrLater != nil {
		where = append(where, "i.started_at >= ?")
		args = append(args, nanos(*filter.StartedAtOrLater))
	}
	if filter.TerminatedAtOrEarlier != nil {
		where = append(where, "i.terminated_at <= ?")
		args = append(args, nanos(*filter.TerminatedAtOrEarlier))
	}
	if filter.ScheduledAtOrLater != nil {
		where = append(where, "i.scheduled_to_run_at >= ?")
		args = append(args, nanos(*filter.ScheduledAtOrLater))
	}
	if filter.ScheduledAt != nil {
		where = append(where, "i.scheduled_to_run_at = ?")
		args = append(args, nanos(*filter.ScheduledAt))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY i.created_at, i.id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	return s.queryInstances(ctx, query, args...)
}

// GetDueScheduledInstances returns pending instances scheduled at or before asOf.
func (s *SQLStore) GetDueScheduledInstances(ctx context.Context, asOf time.Time) ([]*orchestration.Instance, error) {
	return s.queryInstances(ctx,
		`SELECT `+instanceColumns+` FROM orchestration_instances i
		 WHERE i.lifecycle_state = ? AND i.scheduled_to_run_at IS NOT NULL AND i.scheduled_to_run_at <= ?
		 ORDER BY i.scheduled_to_run_at, i.id`,
		string(schema.InstanceStatePending), nanos(asOf))
}

// queryInstances reads all matching rows before loading steps, since SQLite
// stores hold a single connection.
func (s *SQLStore) queryInstances(ctx context.Context, query string, args ...any) ([]*orchestration.Instance, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, translate(err)
	}
	var snaps []orchestration.InstanceSnapshot
	for rows.Next() {
		snap, err := scanInstance(rows)
		if err != nil {
			rows.Close()
			return nil, translate(err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, translate(err)
	}
	rows.Close()

	out := make([]*orchestration.Instance, 0, len(snaps))
	for _, snap := range snaps {
		inst, err := s.hydrate(ctx, snap)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

func (s *SQLStore) hydrate(ctx context.Context, snap orchestration.InstanceSnapshot) (*orchestration.Instance, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT id, sequence, description, can_be_skipped, lifecycle_state, termination_state,
			started_at, terminated_at, custom_state_value, custom_state_type
		 FROM step_instances WHERE instance_id = ? ORDER BY sequence`), snap.ID.String())
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			st              orchestration.StepInstance
			id, state       string
			skippable       int
			termination     sql.NullString
			started, ended  sql.NullInt64
			csValue, csType sql.NullString
		)
		if err := rows.Scan(&id, &st.Sequence, &st.Description, &skippable, &state, &termination,
			&started, &ended, &csValue, &csType); err != nil {
			return nil, translate(err)
		}
		if st.ID, err = uuid.Parse(id); err != nil {
			return nil, translate(fmt.Errorf("parse step id %q: %w", id, err))
		}
		st.CanBeSkipped = skippable != 0
		st.Lifecycle = orchestration.StepLifecycle{
			State:            schema.StepLifecycleState(state),
			TerminationState: schema.StepTerminationState(termination.String),
			StartedAt:        nanosPtr(started),
			TerminatedAt:     nanosPtr(ended),
		}
		st.CustomState = orchestration.Box{SerializedValue: csValue.String, ValueType: csType.String}
		snap.Steps = append(snap.Steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, translate(err)
	}
	return orchestration.Rehydrate(snap)
}

func scanInstance(row rowScanner) (orchestration.InstanceSnapshot, error) {
	var (
		snap                                  orchestration.InstanceSnapshot
		id, descID, state                     string
		termination                           sql.NullString
		createdBy, canceledBy                 identityScan
		createdAt                             int64
		scheduled, queued, started, ended     sql.NullInt64
		paramValue, paramType, csValue, csTyp sql.NullString
		key, actorMsg, txID, mpID             sql.NullString
	)
	dest := []any{&id, &descID, &state, &termination}
	dest = append(dest, createdBy.dest()...)
	dest = append(dest, &createdAt, &scheduled, &queued, &started, &ended)
	dest = append(dest, canceledBy.dest()...)
	dest = append(dest, &paramValue, &paramType, &csValue, &csTyp, &key, &actorMsg, &txID, &mpID, &snap.RowVersion)
	if err := row.Scan(dest...); err != nil {
		return snap, err
	}

	var err error
	if snap.ID, err = uuid.Parse(id); err != nil {
		return snap, fmt.Errorf("parse instance id %q: %w", id, err)
	}
	if snap.DescriptionID, err = uuid.Parse(descID); err != nil {
		return snap, fmt.Errorf("parse description id %q: %w", descID, err)
	}
	creator, err := createdBy.identity()
	if err != nil {
		return snap, err
	}
	canceler, err := canceledBy.identity()
	if err != nil {
		return snap, err
	}
	snap.Lifecycle = orchestration.InstanceLifecycle{
		State:            schema.InstanceLifecycleState(state),
		TerminationState: schema.InstanceTerminationState(termination.String),
		CreatedBy:        creator,
		CreatedAt:        fromNanos(createdAt),
		ScheduledToRunAt: nanosPtr(scheduled),
		QueuedAt:         nanosPtr(queued),
		StartedAt:        nanosPtr(started),
		TerminatedAt:     nanosPtr(ended),
		CanceledBy:       canceler,
	}
	snap.Parameter = orchestration.Box{SerializedValue: paramValue.String, ValueType: paramType.String}
	snap.CustomState = orchestration.Box{SerializedValue: csValue.String, ValueType: csTyp.String}
	snap.IdempotencyKey = key.String
	snap.ActorMessageID = actorMsg.String
	snap.TransactionID = txID.String
	snap.MeteringPointID = mpID.String
	return snap, nil
}

// --- Event log ---

// AppendEvent appends one event to an existing instance's log and sets its sequence.
func (s *SQLStore) AppendEvent(ctx context.Context, event *orchestration.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		// Touch the instance row to take its write lock before reading the next sequence.
		res, err := tx.ExecContext(ctx, s.q(`UPDATE orchestration_instances SET row_version = row_version WHERE id = ?`),
			event.InstanceID.String())
		if err != nil {
			return err
		}
		if err := checkRowsAffected(res, "instance", event.InstanceID.String()); err != nil {
			return err
		}
		written, err := s.insertEvents(ctx, tx, event.InstanceID, []orchestration.Event{*event})
		if err != nil {
			return err
		}
		event.Sequence = written[0].Sequence
		return nil
	})
}

// GetEvents returns events of an instance with sequence > since, in sequence order.
func (s *SQLStore) GetEvents(ctx context.Context, instanceID uuid.UUID, since int64) ([]orchestration.Event, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT sequence, step_sequence, event_type, identity, payload, timestamp
		 FROM instance_events WHERE instance_id = ? AND sequence > ? ORDER BY sequence`),
		instanceID.String(), since)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []orchestration.Event
	for rows.Next() {
		ev := orchestration.Event{InstanceID: instanceID}
		var step sql.NullInt64
		var who, payload sql.NullString
		var ts int64
		if err := rows.Scan(&ev.Sequence, &step, &ev.Type, &who, &payload, &ts); err != nil {
			return nil, translate(err)
		}
		ev.StepSequence = int(step.Int64)
		ev.Timestamp = fromNanos(ts)
		if who.Valid && who.String != "" {
			var rec identity.Record
			if err := json.Unmarshal([]byte(who.String), &rec); err != nil {
				return nil, translate(fmt.Errorf("unmarshal event identity: %w", err))
			}
			ev.Identity = &rec
		}
		if payload.Valid && payload.String != "" {
			ev.Payload = json.RawMessage(payload.String)
		}
		out = append(out, ev)
	}
	return out, translate(rows.Err())
}

func (s *SQLStore) insertEvents(ctx context.Context, q querier, instanceID uuid.UUID, events []orchestration.Event) ([]orchestration.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	var last int64
	if err := q.QueryRowContext(ctx, s.q(`SELECT COALESCE(MAX(sequence), 0) FROM instance_events WHERE instance_id = ?`),
		instanceID.String()).Scan(&last); err != nil {
		return nil, fmt.Errorf("next event sequence: %w", err)
	}

	out := make([]orchestration.Event, 0, len(events))
	for _, ev := range events {
		last++
		ev.InstanceID = instanceID
		ev.Sequence = last
		if ev.Timestamp.IsZero() {
			ev.Timestamp = time.Now().UTC()
		}
		var who any
		if ev.Identity != nil {
			data, err := json.Marshal(ev.Identity)
			if err != nil {
				return nil, fmt.Errorf("marshal event identity: %w", err)
			}
			who = string(data)
		}
		var step any
		if ev.StepSequence > 0 {
			step = ev.StepSequence
		}
		if _, err := q.ExecContext(ctx, s.q(
			`INSERT INTO instance_events (instance_id, sequence, step_sequence, event_type, identity, payload, timestamp)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`),
			instanceID.String(), ev.Sequence, step, ev.Type, who, nullStr(string(ev.Payload)), nanos(ev.Timestamp),
		); err != nil {
			return nil, fmt.Errorf("insert event %s: %w", ev.Type, err)
		}
		out = append(out, ev)
	}
	return out, nil
}
