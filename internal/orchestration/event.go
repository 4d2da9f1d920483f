package orchestration

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/procman/internal/identity"
	"github.com/rendis/procman/pkg/schema"
)

// Event is one entry of an instance's lifecycle log. Sequence is assigned by the
// store when the event is written.
type Event struct {
	InstanceID   uuid.UUID        `json:"instance_id"`
	Sequence     int64            `json:"sequence"`
	StepSequence int              `json:"step_sequence,omitempty"`
	Type         string           `json:"type"`
	Identity     *identity.Record `json:"identity,omitempty"`
	Payload      json.RawMessage  `json:"payload,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// NewEvent builds an event for id; who may be nil.
func NewEvent(id uuid.UUID, eventType string, who identity.OperatingIdentity, at time.Time) Event {
	ev := Event{InstanceID: id, Type: eventType, Timestamp: at}
	if who != nil {
		if rec, err := identity.ToRecord(who); err == nil {
			ev.Identity = &rec
		}
	}
	return ev
}

// IsTerminal reports whether the event ends the instance.
func (e Event) IsTerminal() bool {
	switch e.Type {
	case schema.EventInstanceSucceeded, schema.EventInstanceFailed, schema.EventInstanceCanceled:
		return true
	}
	return false
}
