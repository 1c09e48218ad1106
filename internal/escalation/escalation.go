// Package escalation hands unrecoverable persistence failures to an
// out-of-process retry worker. Delegation is fire-and-forget: the apply path
// never blocks on it and never sees a delegation failure.
package escalation

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// Failure describes one failed persistence attempt with enough context for
// asynchronous replay.
type Failure struct {
	EventID string    `json:"event_id"`
	UserID  string    `json:"user_id"`
	Order   int       `json:"order"`
	Error   string    `json:"error"`
	At      time.Time `json:"at"`
}

// Sink receives persistence failures for asynchronous retry.
type Sink interface {
	// Delegate must not block the caller and must not return an error to it.
	Delegate(ctx context.Context, f Failure)
}

// NATSSink publishes failures to a NATS subject consumed by the retry worker.
type NATSSink struct {
	conn    *nats.Conn
	subject string
}

// DefaultSubject is where persistence failures are published.
const DefaultSubject = "points.apply.retry"

// NewNATSSink connects to NATS with automatic reconnection.
func NewNATSSink(url, subject string) (*NATSSink, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	return &NATSSink{conn: nc, subject: subject}, nil
}

// Delegate publishes the failure as JSON. Publish errors are logged and
// swallowed; losing a retry record must not fail the original request twice.
func (s *NATSSink) Delegate(_ context.Context, f Failure) {
	data, err := json.Marshal(f)
	if err != nil {
		log.Printf("escalation: marshal failure: %v", err)
		return
	}
	if err := s.conn.Publish(s.subject, data); err != nil {
		log.Printf("escalation: publish failure: %v", err)
	}
}

// Close drains the connection.
func (s *NATSSink) Close() error {
	s.conn.Close()
	return nil
}

// LogSink writes failures to the process log. It is the fallback when no
// NATS URL is configured.
type LogSink struct{}

func (LogSink) Delegate(_ context.Context, f Failure) {
	log.Printf("escalation: delegating failed persist for retry: event=%s user=%s order=%d err=%s",
		f.EventID, f.UserID, f.Order, f.Error)
}
