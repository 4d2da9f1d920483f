package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/rendis/procman/internal/orchestration"
	"github.com/rendis/procman/pkg/schema"
)

const sendMeasurementsColumns = `id, idempotency_key, created_by_type, created_by_actor_number, created_by_actor_role,
	created_by_user_id, created_at, transaction_id, metering_point_id, input_value, input_type, milestone,
	validated_at, sent_at, received_at, terminated_at, failed_at, failure_reason, row_version`

func (s *SQLStore) AddSendMeasurements(ctx context.Context, sm *orchestration.SendMeasurementsInstance) error {
	createdBy, err := identityColumns(sm.CreatedBy)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.q(
		`INSERT INTO send_measurements_instances (id, idempotency_key, idempotency_digest, created_by_type,
			created_by_actor_number, created_by_actor_role, created_by_user_id, created_at, transaction_id,
			metering_point_id, input_value, input_type, milestone, validated_at, sent_at, received_at,
			terminated_at, failed_at, failure_reason, row_version)
		 VALUES (`+placeholders(20)+`)`),
		sm.ID.String(), sm.IdempotencyKey.Value(), sm.IdempotencyKey.Digest(),
		createdBy[0], createdBy[1], createdBy[2], createdBy[3], nanos(sm.CreatedAt),
		sm.TransactionID, nullStr(sm.MeteringPointID),
		nullStr(sm.Input.SerializedValue), nullStr(sm.Input.ValueType), string(sm.Milestone),
		nullNanos(sm.ValidatedAt), nullNanos(sm.SentAt), nullNanos(sm.ReceivedAt),
		nullNanos(sm.TerminatedAt), nullNanos(sm.FailedAt), nullStr(sm.FailureReason), 1,
	)
	if err != nil {
		return translate(fmt.Errorf("insert send-measurements %s: %w", sm.ID, err))
	}
	sm.RowVersion = 1
	return nil
}

func (s *SQLStore) GetSendMeasurements(ctx context.Context, id uuid.UUID) (*orchestration.SendMeasurementsInstance, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+sendMeasurementsColumns+` FROM send_measurements_instances WHERE id = ?`), id.String())
	sm, err := scanSendMeasurements(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("send-measurements instance", id.String())
	}
	return sm, translate(err)
}

// GetSendMeasurementsByIdempotencyKey returns nil without error when key is unknown.
func (s *SQLStore) GetSendMeasurementsByIdempotencyKey(ctx context.Context, key orchestration.IdempotencyKey) (*orchestration.SendMeasurementsInstance, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+sendMeasurementsColumns+` FROM send_measurements_instances WHERE idempotency_digest = ?`), key.Digest())
	sm, err := scanSendMeasurements(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sm, translate(err)
}

// UpdateSendMeasurements writes milestone state if sm's row version is current.
func (s *SQLStore) UpdateSendMeasurements(ctx context.Context, sm *orchestration.SendMeasurementsInstance) error {
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE send_measurements_instances SET milestone = ?, validated_at = ?, sent_at = ?, received_at = ?,
			terminated_at = ?, failed_at = ?, failure_reason = ?, row_version = row_version + 1
		 WHERE id = ? AND row_version = ?`),
		string(sm.Milestone), nullNanos(sm.ValidatedAt), nullNanos(sm.SentAt), nullNanos(sm.ReceivedAt),
		nullNanos(sm.TerminatedAt), nullNanos(sm.FailedAt), nullStr(sm.FailureReason),
		sm.ID.String(), sm.RowVersion,
	)
	if err != nil {
		return translate(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return translate(err)
	}
	if n == 0 {
		if _, err := s.GetSendMeasurements(ctx, sm.ID); err != nil {
			return err
		}
		return storeConflict("send-measurements instance", sm.ID.String(), sm.RowVersion)
	}
	sm.RowVersion++
	return nil
}

func scanSendMeasurements(row rowScanner) (*orchestration.SendMeasurementsInstance, error) {
	sm := &orchestration.SendMeasurementsInstance{}
	var (
		id, key, milestone                          string
		createdBy                                   identityScan
		createdAt                                   int64
		mpID, inValue, inType, reason               sql.NullString
		validated, sent, received, terminated, fail sql.NullInt64
	)
	dest := []any{&id, &key}
	dest = append(dest, createdBy.dest()...)
	dest = append(dest, &createdAt, &sm.TransactionID, &mpID, &inValue, &inType, &milestone,
		&validated, &sent, &received, &terminated, &fail, &reason, &sm.RowVersion)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	var err error
	if sm.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("parse send-measurements id %q: %w", id, err)
	}
	if sm.IdempotencyKey, err = orchestration.NewIdempotencyKey(key); err != nil {
		return nil, err
	}
	if sm.CreatedBy, err = createdBy.identity(); err != nil {
		return nil, err
	}
	sm.CreatedAt = fromNanos(createdAt)
	sm.MeteringPointID = mpID.String
	sm.Input = orchestration.Box{SerializedValue: inValue.String, ValueType: inType.String}
	sm.Milestone = schema.SendMeasurementsMilestone(milestone)
	sm.ValidatedAt = nanosPtr(validated)
	sm.SentAt = nanosPtr(sent)
	sm.ReceivedAt = nanosPtr(received)
	sm.TerminatedAt = nanosPtr(terminated)
	sm.FailedAt = nanosPtr(fail)
	sm.FailureReason = reason.String
	return sm, nil
}
