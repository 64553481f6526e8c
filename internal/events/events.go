// Package events publishes run lifecycle events.
//
// Events are published to NATS subjects of the form
//
//	<prefix>.runs.<run_id>.<kind>
//
// where kind is one of task, gate, patch, checkpoint or run. Publishing is
// best effort: a failed publish is logged and never fails the run.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Kind classifies an event.
type Kind string

const (
	KindTask       Kind = "task"
	KindGate       Kind = "gate"
	KindPatch      Kind = "patch"
	KindCheckpoint Kind = "checkpoint"
	KindRun        Kind = "run"
)

// Event is the published payload.
type Event struct {
	Kind   Kind           `json:"kind"`
	RunID  string         `json:"run_id"`
	TaskID string         `json:"task_id,omitempty"`
	Status string         `json:"status"`
	Detail map[string]any `json:"detail,omitempty"`
	At     time.Time      `json:"at"`
}

// Publisher emits run events.
type Publisher interface {
	Publish(ev Event)
	Close()
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Close()        {}

// NATS publishes events to a NATS server.
type NATS struct {
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
	owned  bool
}

// Connect dials url and returns a publisher that owns the connection.
func Connect(url, prefix string, logger *zap.Logger) (*NATS, error) {
	nc, err := nats.Connect(url,
		nats.Name("architect"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	p := NewNATS(nc, prefix, logger)
	p.owned = true
	return p, nil
}

// NewNATS wraps an existing connection. Close does not close nc.
func NewNATS(nc *nats.Conn, prefix string, logger *zap.Logger) *NATS {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "architect"
	}
	return &NATS{conn: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject an event is published on.
func Subject(prefix, runID string, kind Kind) string {
	// NATS tokens cannot contain dots or whitespace.
	token := strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(runID)
	if token == "" {
		token = "_"
	}
	return fmt.Sprintf("%s.runs.%s.%s", prefix, token, kind)
}

func (p *NATS) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	subject := Subject(p.prefix, ev.RunID, ev.Kind)
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("marshal event", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		p.logger.Warn("publish event", zap.String("subject", subject), zap.Error(err))
	}
}

// Close flushes pending events and closes an owned connection.
func (p *NATS) Close() {
	if err := p.conn.FlushTimeout(2 * time.Second); err != nil {
		p.logger.Debug("flush events", zap.Error(err))
	}
	if p.owned {
		p.conn.Close()
	}
}

// Open returns a NATS publisher when url is set and Nop otherwise.
func Open(url, prefix string, logger *zap.Logger) (Publisher, error) {
	if url == "" {
		return Nop{}, nil
	}
	return Connect(url, prefix, logger)
}
