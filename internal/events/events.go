// Package events publishes committed money movements to downstream
// consumers. Publishing happens after the ledger commit and never affects
// its outcome.
package events

import (
	"context"
	"sync"
	"time"
)

// Event types.
const (
	TransferCompleted     = "transfers.completed"
	PendingTransferOpened = "transfers.pending_created"
	ClaimClaimed          = "claims.claimed"
	ClaimReleased         = "claims.released"
	AgentDeposit          = "agent.deposits"
	AgentWithdrawal       = "agent.withdrawals"
)

type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Source    string      `json:"source"`
	Reference string      `json:"reference"`
	Time      time.Time   `json:"time"`
	Payload   interface{} `json:"payload"`
}

type Publisher interface {
	Publish(ctx context.Context, topic string, event *Event) error
	Close() error
}

// Topic prefixes an event type, e.g. "moneycore.transfers.completed".
func Topic(prefix, eventType string) string {
	if prefix == "" {
		return eventType
	}
	return prefix + "." + eventType
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, *Event) error { return nil }
func (NopPublisher) Close() error                                  { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events map[string][]*Event
}

func NewRecorder() *Recorder {
	return &Recorder{events: make(map[string][]*Event)}
}

func (r *Recorder) Publish(_ context.Context, topic string, event *Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[topic] = append(r.events[topic], event)
	return nil
}

func (r *Recorder) Close() error { return nil }

// Events returns what was published on topic.
func (r *Recorder) Events(topic string) []*Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Event(nil), r.events[topic]...)
}
