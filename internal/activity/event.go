package activity

import (
	"context"
	"errors"
	"time"
)

// EventType names one kind of switch activity.
type EventType string

const (
	EventSwitchCreated   EventType = "switch_created"
	EventSwitchCheckIn   EventType = "switch_checkin"
	EventSwitchDisarmed  EventType = "switch_disarmed"
	EventSwitchTriggered EventType = "switch_triggered"
)

// Event is one activity notification. Payload is set only on switch_triggered.
type Event struct {
	Type           EventType `json:"type"`
	Owner          string    `json:"owner"`
	SwitchID       string    `json:"switch_id"`
	Label          string    `json:"label,omitempty"`
	Deadline       int64     `json:"deadline,omitempty"`
	NewDeadline    int64     `json:"new_deadline,omitempty"`
	RecipientCount int       `json:"recipient_count,omitempty"`
	Payload        string    `json:"payload,omitempty"`
	At             time.Time `json:"at"`
}

// Publisher delivers events to one sink.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Sink receives events from Emit. Emit never blocks the caller.
type Sink interface {
	Emit(event Event)
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, publisher := range f {
		if publisher == nil {
			continue
		}
		if err := publisher.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type noopSink struct{}

func (noopSink) Emit(Event) {}

// Discard is a Sink that drops every event.
var Discard Sink = noopSink{}
