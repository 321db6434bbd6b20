// Copyright 2025 James Ross
package eventhooks

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/archivewrapped/pipeline/internal/config"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// EventType names a point in a Job's life worth broadcasting to external
// subscribers (dashboards, downstream analytics, on-call tooling).
type EventType string

const (
	EventWrappedCompleted EventType = "wrapped.completed"
	EventWrappedFailed    EventType = "wrapped.failed"
	EventWaitlistJoined   EventType = "wrapped.waitlisted"
)

// JobEvent is the payload published to the configured subject. It is
// intentionally smaller than a full audit record: subscribers that need
// more detail can look the Job up themselves by TaskID.
type JobEvent struct {
	Event     EventType `json:"event"`
	TaskID    string    `json:"task_id"`
	AppUserID string    `json:"app_user_id"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// Publisher is a thin fire-and-forget wrapper over a NATS connection,
// stripped down from the teacher's NATSPublisher/EventBus machinery (no
// JetStream, no subscriber registry, no webhook retry queue) since this
// pipeline has exactly one event sink: a single configured subject.
type Publisher struct {
	conn    *nats.Conn
	subject string
	log     *zap.Logger
}

// New dials NATS and returns a Publisher, or (nil, nil) if event hooks are
// disabled in config. Callers must treat a nil *Publisher as a no-op.
func New(cfg *config.Config, log *zap.Logger) (*Publisher, error) {
	if !cfg.EventHooks.Enabled {
		return nil, nil
	}
	conn, err := nats.Connect(cfg.EventHooks.NATSURL)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Publisher{conn: conn, subject: cfg.EventHooks.Subject, log: log}, nil
}

// Close drains and closes the underlying connection. Safe to call on a nil
// Publisher.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	_ = p.conn.Drain()
}

// Publish fires an event at the configured subject. Failures are logged,
// never returned: a missed notification must not fail the pipeline stage
// that triggered it.
func (p *Publisher) Publish(event JobEvent) {
	if p == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn("event hook marshal failed", zap.String("task_id", event.TaskID), zap.Error(err))
		return
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		p.log.Warn("event hook publish failed", zap.String("task_id", event.TaskID), zap.Error(err))
	}
}
