// Package events publishes task lifecycle events to NATS so external
// systems (dashboards, chat bots) can follow reviews without polling the
// API. Publishing is best-effort: failures are logged and never block the
// engine.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/reviewd/internal/config"
	"git.home.luguber.info/inful/reviewd/internal/store"
)

// EventType enumerates the published lifecycle stages.
type EventType string

const (
	EventQueued        EventType = "queued"
	EventStarted       EventType = "started"
	EventBatchFinished EventType = "batch_finished"
	EventFinalized     EventType = "finalized"
)

// TaskEvent is the JSON payload published per lifecycle stage.
type TaskEvent struct {
	Type         EventType        `json:"type"`
	TaskID       string           `json:"task_id"`
	RepoID       string           `json:"repo_id"`
	Strategy     store.Strategy   `json:"strategy"`
	RevisionRef  string           `json:"revision_ref"`
	Status       store.TaskStatus `json:"status"`
	BatchCurrent int              `json:"batch_current,omitempty"`
	BatchTotal   int              `json:"batch_total,omitempty"`
	QualityScore int              `json:"quality_score,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// Notifier is implemented by the NATS publisher and by the disabled no-op.
type Notifier interface {
	Publish(event TaskEvent)
	Close()
}

// NoopNotifier drops all events.
type NoopNotifier struct{}

func (NoopNotifier) Publish(TaskEvent) {}
func (NoopNotifier) Close()            {}

// NATSNotifier publishes task events on a single subject.
type NATSNotifier struct {
	conn    *nats.Conn
	subject string
	log     *slog.Logger
}

// NewNotifier connects to NATS per the events config. When the notifier is
// disabled it returns a NoopNotifier and no error.
func NewNotifier(cfg *config.EventsConfig, log *slog.Logger) (Notifier, error) {
	if cfg == nil || !cfg.Enabled {
		return NoopNotifier{}, nil
	}
	if log == nil {
		log = slog.Default()
	}
	conn, err := nats.Connect(cfg.NATSURL,
		nats.Name("reviewd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS %s: %w", cfg.NATSURL, err)
	}
	log.Info("event notifier connected", "url", cfg.NATSURL, "subject", cfg.Subject)
	return &NATSNotifier{conn: conn, subject: cfg.Subject, log: log}, nil
}

// Publish sends one event. Errors are logged, not returned; lifecycle
// notification must never fail a review.
func (n *NATSNotifier) Publish(event TaskEvent) {
	event.Timestamp = time.Now().UTC()
	data, err := json.Marshal(event)
	if err != nil {
		n.log.Error("marshal task event", "task_id", event.TaskID, "error", err)
		return
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		n.log.Warn("publish task event", "task_id", event.TaskID, "type", event.Type, "error", err)
		return
	}
	n.log.Debug("published task event", "task_id", event.TaskID, "type", event.Type)
}

// Close drains the connection.
func (n *NATSNotifier) Close() {
	if n.conn != nil {
		_ = n.conn.Drain()
	}
}
