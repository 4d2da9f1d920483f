package orchestration

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/procman/internal/identity"
	"github.com/rendis/procman/pkg/schema"
)

var validMilestoneTransitions = map[schema.SendMeasurementsMilestone][]schema.SendMeasurementsMilestone{
	schema.MilestoneCreated:    {schema.MilestoneValidated, schema.MilestoneFailed},
	schema.MilestoneValidated:  {schema.MilestoneSent, schema.MilestoneFailed},
	schema.MilestoneSent:       {schema.MilestoneReceived, schema.MilestoneFailed},
	schema.MilestoneReceived:   {schema.MilestoneTerminated, schema.MilestoneFailed},
	schema.MilestoneTerminated: {},
	schema.MilestoneFailed:     {},
}

// SendMeasurementsInstance tracks one incoming measurements message through its
// milestones. It is keyed by idempotency key.
type SendMeasurementsInstance struct {
	ID              uuid.UUID                        `json:"id"`
	CreatedBy       identity.OperatingIdentity       `json:"-"`
	CreatedAt       time.Time                        `json:"created_at"`
	IdempotencyKey  IdempotencyKey                   `json:"-"`
	TransactionID   string                           `json:"transaction_id"`
	MeteringPointID string                           `json:"metering_point_id,omitempty"`
	Input           Box                              `json:"input"`
	Milestone       schema.SendMeasurementsMilestone `json:"milestone"`
	ValidatedAt     *time.Time                       `json:"validated_at,omitempty"`
	SentAt          *time.Time                       `json:"sent_at,omitempty"`
	ReceivedAt      *time.Time                       `json:"received_at,omitempty"`
	TerminatedAt    *time.Time                       `json:"terminated_at,omitempty"`
	FailedAt        *time.Time                       `json:"failed_at,omitempty"`
	FailureReason   string                           `json:"failure_reason,omitempty"`
	RowVersion      int64                            `json:"row_version"`
}

// NewSendMeasurementsInstance creates an instance at the Created milestone.
func NewSendMeasurementsInstance(
	createdBy identity.OperatingIdentity,
	key IdempotencyKey,
	transactionID, meteringPointID string,
	input Box,
	clock Clock,
) (*SendMeasurementsInstance, error) {
	if err := identity.Validate(createdBy); err != nil {
		return nil, err
	}
	if key.IsZero() {
		return nil, schema.NewError(schema.ErrCodeInvalidRequest, "idempotency key is required")
	}
	if transactionID == "" {
		return nil, schema.NewError(schema.ErrCodeInvalidRequest, "transaction id is required")
	}
	return &SendMeasurementsInstance{
		ID:              uuid.New(),
		CreatedBy:       createdBy,
		CreatedAt:       clock.Now(),
		IdempotencyKey:  key,
		TransactionID:   transactionID,
		MeteringPointID: meteringPointID,
		Input:           input,
		Milestone:       schema.MilestoneCreated,
	}, nil
}

func (s *SendMeasurementsInstance) MarkValidated(clock Clock) error {
	return s.advance(clock, schema.MilestoneValidated, &s.ValidatedAt)
}

func (s *SendMeasurementsInstance) MarkSent(clock Clock) error {
	return s.advance(clock, schema.MilestoneSent, &s.SentAt)
}

func (s *SendMeasurementsInstance) MarkReceived(clock Clock) error {
	return s.advance(clock, schema.MilestoneReceived, &s.ReceivedAt)
}

func (s *SendMeasurementsInstance) MarkTerminated(clock Clock) error {
	return s.advance(clock, schema.MilestoneTerminated, &s.TerminatedAt)
}

// MarkFailed ends the instance from any non-terminal milestone.
func (s *SendMeasurementsInstance) MarkFailed(clock Clock, reason string) error {
	if err := s.advance(clock, schema.MilestoneFailed, &s.FailedAt); err != nil {
		return err
	}
	s.FailureReason = reason
	return nil
}

// Advance moves to the named milestone; reason is used only for Failed.
func (s *SendMeasurementsInstance) Advance(clock Clock, to schema.SendMeasurementsMilestone, reason string) error {
	switch to {
	case schema.MilestoneValidated:
		return s.MarkValidated(clock)
	case schema.MilestoneSent:
		return s.MarkSent(clock)
	case schema.MilestoneReceived:
		return s.MarkReceived(clock)
	case schema.MilestoneTerminated:
		return s.MarkTerminated(clock)
	case schema.MilestoneFailed:
		return s.MarkFailed(clock, reason)
	default:
		return schema.NewErrorf(schema.ErrCodeInvalidRequest, "unknown milestone %q", to)
	}
}

// IsTerminal reports whether no further milestone is reachable.
func (s *SendMeasurementsInstance) IsTerminal() bool {
	return s.Milestone == schema.MilestoneTerminated || s.Milestone == schema.MilestoneFailed
}

func (s *SendMeasurementsInstance) advance(clock Clock, to schema.SendMeasurementsMilestone, stamp **time.Time) error {
	if !slices.Contains(validMilestoneTransitions[s.Milestone], to) || *stamp != nil {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid send-measurements transition: %s -> %s", s.Milestone, to).
			WithDetails(map[string]any{"id": s.ID.String(), "from": string(s.Milestone), "to": string(to)})
	}
	s.Milestone = to
	*stamp = timePtr(clock.Now())
	return nil
}

func (s *SendMeasurementsInstance) MarshalJSON() ([]byte, error) {
	type plain SendMeasurementsInstance
	out := struct {
		*plain
		IdempotencyKey string           `json:"idempotency_key"`
		CreatedBy      *identity.Record `json:"created_by,omitempty"`
	}{plain: (*plain)(s), IdempotencyKey: s.IdempotencyKey.Value()}
	if s.CreatedBy != nil {
		rec, err := identity.ToRecord(s.CreatedBy)
		if err != nil {
			return nil, err
		}
		out.CreatedBy = &rec
	}
	return json.Marshal(out)
}
