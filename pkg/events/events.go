// Package events defines the execution lifecycle events emitted by the
// orchestrator and the observer interface used to consume them.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventType string

// Topic carries every execution event on message brokers.
const Topic = "runflow.execution.events"

// Message metadata keys.
const (
	ExecutionIDMetadataKey = "execution_id"
	EventTypeMetadataKey   = "event_type"
)

// The event vocabulary consumed by UI clients. Values are part of the wire
// contract.
const (
	ExecutionStarted   EventType = "execution-started"
	NodeStarted        EventType = "node-started"
	NodeCompleted      EventType = "node-completed"
	NodeFailed         EventType = "node-failed"
	ExecutionCompleted EventType = "execution-completed"
	ExecutionFailed    EventType = "execution-failed"
	ExecutionCancelled EventType = "execution-cancelled"
	ExecutionLog       EventType = "execution-log"
)

// Types returns the full event vocabulary.
func Types() []EventType {
	return []EventType{
		ExecutionStarted, NodeStarted, NodeCompleted, NodeFailed,
		ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionLog,
	}
}

// Event is one lifecycle notification of an execution.
type Event struct {
	ID          string         `json:"id"`
	Type        EventType      `json:"type"`
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id,omitempty"`
	NodeID      string         `json:"node_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Data        map[string]any `json:"data,omitempty"`
}

// New builds an event with a fresh id and the current time.
func New(eventType EventType, executionID, workflowID, nodeID string, data map[string]any) Event {
	return Event{
		ID:          uuid.NewString(),
		Type:        eventType,
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		NodeID:      nodeID,
		Timestamp:   time.Now().UTC(),
		Data:        data,
	}
}

// Observer receives events. Implementations must not block for long and must
// be safe for concurrent use: retry logs are emitted from node goroutines.
type Observer interface {
	OnEvent(ctx context.Context, event Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, event Event)

func (f ObserverFunc) OnEvent(ctx context.Context, event Event) { f(ctx, event) }

// Dispatcher fans events out to registered observers in registration order.
type Dispatcher struct {
	mu        sync.RWMutex
	observers []Observer
}

func NewDispatcher(observers ...Observer) *Dispatcher {
	return &Dispatcher{observers: observers}
}

// Register adds an observer.
func (d *Dispatcher) Register(o Observer) {
	d.mu.Lock()
	d.observers = append(d.observers, o)
	d.mu.Unlock()
}

func (d *Dispatcher) OnEvent(ctx context.Context, event Event) {
	d.mu.RLock()
	observers := d.observers
	d.mu.RUnlock()

	for _, o := range observers {
		o.OnEvent(ctx, event)
	}
}

// Recorder keeps every event it sees. Used by tests and debug tooling.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) OnEvent(_ context.Context, event Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, len(r.events))
	copy(out, r.events)

	return out
}

// OfType returns the recorded events of one type.
func (r *Recorder) OfType(eventType EventType) []Event {
	var out []Event

	for _, e := range r.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}

	return out
}
