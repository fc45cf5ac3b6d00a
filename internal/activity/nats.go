package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
)

// DefaultNATSSubject is the subject prefix used when none is configured.
const DefaultNATSSubject = "deadswitch.activity"

// NATSPublisher publishes events on <subject>.<type> over core NATS.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

func NewNATSPublisher(conn *nats.Conn, subject string) (*NATSPublisher, error) {
	if conn == nil {
		return nil, errors.New("activity: nats connection is required")
	}
	if subject == "" {
		subject = DefaultNATSSubject
	}
	return &NATSPublisher{conn: conn, subject: subject}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, event Event) error {
	raw, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode activity event: %w", err)
	}
	return p.conn.Publish(p.Subject(event.Type), raw)
}

// Subject returns the subject events of eventType are published on.
func (p *NATSPublisher) Subject(eventType EventType) string {
	return p.subject + "." + string(eventType)
}
