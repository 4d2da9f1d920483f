package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/procman/internal/orchestration"
)

const descriptionColumns = `id, name, version, function_name, host_name, can_be_scheduled, is_durable_function,
	is_enabled, recurring_cron_expression, parameter_schema, steps, created_at, updated_at`

// UpsertDescription inserts desc or replaces the row with the same (name, version).
// An existing row keeps its id and created_at; desc is updated with the stored values.
func (s *SQLStore) UpsertDescription(ctx context.Context, desc *orchestration.Description) error {
	steps, err := json.Marshal(desc.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	if desc.ID == uuid.Nil {
		desc.ID = uuid.New()
	}
	now := time.Now().UTC()

	var id string
	var createdAt int64
	err = s.db.QueryRowContext(ctx, s.q(
		`INSERT INTO orchestration_descriptions (`+descriptionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(name, version) DO UPDATE SET
		   function_name = excluded.function_name,
		   host_name = excluded.host_name,
		   can_be_scheduled = excluded.can_be_scheduled,
		   is_durable_function = excluded.is_durable_function,
		   is_enabled = excluded.is_enabled,
		   recurring_cron_expression = excluded.recurring_cron_expression,
		   parameter_schema = excluded.parameter_schema,
		   steps = excluded.steps,
		   updated_at = excluded.updated_at
		 RETURNING id, created_at`),
		desc.ID.String(), desc.UniqueName.Name, desc.UniqueName.Version, desc.FunctionName, desc.HostName,
		boolInt(desc.CanBeScheduled), boolInt(desc.IsDurableFunction), boolInt(desc.IsEnabled),
		nullStr(desc.RecurringCronExpression), nullStr(string(desc.ParameterSchema)), string(steps),
		nanos(now), nanos(now),
	).Scan(&id, &createdAt)
	if err != nil {
		return translate(fmt.Errorf("upsert description %s: %w", desc.UniqueName, err))
	}
	stored, err := uuid.Parse(id)
	if err != nil {
		return translate(fmt.Errorf("parse description id: %w", err))
	}
	desc.ID = stored
	desc.CreatedAt = fromNanos(createdAt)
	desc.UpdatedAt = now
	return nil
}

func (s *SQLStore) GetDescription(ctx context.Context, name orchestration.UniqueName) (*orchestration.Description, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+descriptionColumns+` FROM orchestration_descriptions WHERE name = ? AND version = ?`),
		name.Name, name.Version)
	d, err := scanDescription(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("description", name.String())
	}
	return d, translate(err)
}

func (s *SQLStore) GetDescriptionByID(ctx context.Context, id uuid.UUID) (*orchestration.Description, error) {
	row := s.db.QueryRowContext(ctx, s.q(
		`SELECT `+descriptionColumns+` FROM orchestration_descriptions WHERE id = ?`), id.String())
	d, err := scanDescription(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("description", id.String())
	}
	return d, translate(err)
}

func (s *SQLStore) ListDescriptions(ctx context.Context, filter DescriptionFilter) ([]*orchestration.Description, error) {
	query := `SELECT ` + descriptionColumns + ` FROM orchestration_descriptions`
	var where []string
	var args []any
	if filter.HostName != "" {
		where = append(where, "host_name = ?")
		args = append(args, filter.HostName)
	}
	if filter.Name != "" {
		where = append(where, "name = ?")
		args = append(args, filter.Name)
	}
	if filter.EnabledOnly {
		where = append(where, "is_enabled = 1")
	}
	if filter.RecurringOnly {
		where = append(where, "recurring_cron_expression IS NOT NULL")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name, version"

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, translate(err)
	}
	defer rows.Close()

	var out []*orchestration.Description
	for rows.Next() {
		d, err := scanDescription(rows)
		if err != nil {
			return nil, translate(err)
		}
		out = append(out, d)
	}
	return out, translate(rows.Err())
}

// DisableDescriptionsExcept disables every enabled description of hostName whose
// identity is not in keep. Rows are never deleted.
func (s *SQLStore) DisableDescriptionsExcept(ctx context.Context, hostName string, keep []orchestration.UniqueName) (int64, error) {
	query := `UPDATE orchestration_descriptions SET is_enabled = 0, updated_at = ?
		WHERE host_name = ? AND is_enabled = 1`
	args := []any{nanos(time.Now()), hostName}
	for _, k := range keep {
		query += ` AND NOT (name = ? AND version = ?)`
		args = append(args, k.Name, k.Version)
	}
	res, err := s.db.ExecContext(ctx, s.q(query), args...)
	if err != nil {
		return 0, translate(err)
	}
	n, err := res.RowsAffected()
	return n, translate(err)
}

func scanDescription(row rowScanner) (*orchestration.Description, error) {
	d := &orchestration.Description{}
	var (
		id                          string
		scheduled, durable, enabled int
		cron, paramSchema           sql.NullString
		steps                       string
		createdAt, updatedAt        int64
	)
	if err := row.Scan(&id, &d.UniqueName.Name, &d.UniqueName.Version, &d.FunctionName, &d.HostName,
		&scheduled, &durable, &enabled, &cron, &paramSchema, &steps, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("parse description id %q: %w", id, err)
	}
	d.ID = parsed
	d.CanBeScheduled = scheduled != 0
	d.IsDurableFunction = durable != 0
	d.IsEnabled = enabled != 0
	d.RecurringCronExpression = cron.String
	if paramSchema.Valid && paramSchema.String != "" {
		d.ParameterSchema = json.RawMessage(paramSchema.String)
	}
	if err := json.Unmarshal([]byte(steps), &d.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps of %s: %w", d.UniqueName, err)
	}
	d.CreatedAt = fromNanos(createdAt)
	d.UpdatedAt = fromNanos(updatedAt)
	return d, nil
}
