// Package events publishes indexing run lifecycle events to NATS.
//
// Events are published to subjects:
//   - {prefix}.{run_id}.started
//   - {prefix}.{run_id}.batch
//   - {prefix}.{run_id}.completed
//   - {prefix}.{run_id}.failed
//
// Publishing is best effort. A failed publish is returned to the caller,
// which logs it and carries on; indexing never aborts because of events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Kind names a run lifecycle step. It is the last subject token.
type Kind string

const (
	KindStarted   Kind = "started"
	KindBatch     Kind = "batch"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
)

// Event is the JSON payload of every message.
type Event struct {
	RunID      string    `json:"run_id"`
	Kind       Kind      `json:"kind"`
	Generation string    `json:"generation"`
	Processed  int       `json:"processed"`
	LastID     string    `json:"last_id,omitempty"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher delivers run events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// NATSPublisher publishes events as core NATS messages.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	owned  bool
}

// Connect dials url and returns a publisher that closes the connection on
// Close.
func Connect(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url, nats.Name("reviewrag-indexer"))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats at %s: %w", url, err)
	}
	p := NewNATSPublisher(nc, prefix)
	p.owned = true
	return p, nil
}

// NewNATSPublisher wraps an existing connection. The caller keeps ownership
// of nc.
func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "reviewrag.index"
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// Subject returns the subject an event of kind k for run is published on.
func (p *NATSPublisher) Subject(runID string, k Kind) string {
	return fmt.Sprintf("%s.%s.%s", p.prefix, runID, k)
}

// Publish marshals ev and publishes it.
func (p *NATSPublisher) Publish(_ context.Context, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", ev.Kind, err)
	}
	if err := p.nc.Publish(p.Subject(ev.RunID, ev.Kind), data); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Kind, err)
	}
	return nil
}

// Close flushes pending messages and, for publishers created by Connect,
// closes the connection.
func (p *NATSPublisher) Close() error {
	if p.nc == nil || p.nc.IsClosed() {
		return nil
	}
	err := p.nc.FlushTimeout(5 * time.Second)
	if p.owned {
		p.nc.Close()
	}
	if err != nil {
		return fmt.Errorf("flush nats: %w", err)
	}
	return nil
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.New().String()
}
