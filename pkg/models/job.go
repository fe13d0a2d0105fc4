package models

import "time"

// JobKind tells a worker what a queued job asks for.
type JobKind string

const (
	JobKindExecution JobKind = "execution"
	JobKindNode      JobKind = "node"
)

// Job is a queued unit of work. Delivery is at-least-once, so handlers must
// tolerate seeing the same job twice.
type Job struct {
	ID          string         `json:"id"`
	Kind        JobKind        `json:"kind"`
	ExecutionID string         `json:"execution_id"`
	WorkflowID  string         `json:"workflow_id"`
	NodeID      string         `json:"node_id,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	Attempt     int            `json:"attempt"`
	EnqueuedAt  time.Time      `json:"enqueued_at"`
}
