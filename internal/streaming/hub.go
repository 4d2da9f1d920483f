package streaming

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rendis/procman/internal/orchestration"
)

// StreamEvent is a real-time lifecycle event of an orchestration instance.
type StreamEvent struct {
	InstanceID   string          `json:"orchestration_instance_id"`
	Sequence     int64           `json:"sequence,omitempty"`
	StepSequence int             `json:"step_sequence,omitempty"`
	EventType    string          `json:"event_type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// FromEvent converts a persisted lifecycle event.
func FromEvent(ev orchestration.Event) StreamEvent {
	return StreamEvent{
		InstanceID:   ev.InstanceID.String(),
		Sequence:     ev.Sequence,
		StepSequence: ev.StepSequence,
		EventType:    ev.Type,
		Payload:      ev.Payload,
		Timestamp:    ev.Timestamp,
	}
}

// EventFilter specifies which events a subscriber wants to receive.
type EventFilter struct {
	InstanceID string   `json:"orchestration_instance_id,omitempty"`
	EventTypes []string `json:"event_types,omitempty"`
}

// EventHub provides pub/sub for real-time instance events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}

// PublishAll publishes persisted events on hub in order, stopping at the first
// error.
func PublishAll(ctx context.Context, hub EventHub, events []orchestration.Event) error {
	for _, ev := range events {
		if err := hub.Publish(ctx, FromEvent(ev)); err != nil {
			return err
		}
	}
	return nil
}
