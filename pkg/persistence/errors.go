package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrExecutionNotFound indicates an execution was not found by the given identifier.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrNodeExecutionNotFound indicates no node execution exists for the execution and node.
	ErrNodeExecutionNotFound = errors.New("node execution not found")

	// ErrTriggerJobNotFound indicates no trigger job exists for the workflow and trigger.
	ErrTriggerJobNotFound = errors.New("trigger job not found")

	// ErrInvalidID indicates an identifier that cannot be stored safely.
	ErrInvalidID = errors.New("invalid identifier")
)

// ExecutionError wraps execution-related errors with additional context.
type ExecutionError struct {
	Op          string // Operation being performed (e.g., "ByID", "Save")
	ExecutionID string
	NodeID      string // Node ID for node execution operations
	Err         error
}

func (e *ExecutionError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s operation failed for node %s of execution %s: %v", e.Op, e.NodeID, e.ExecutionID, e.Err)
	}

	return fmt.Sprintf("%s operation failed for execution %s: %v", e.Op, e.ExecutionID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for execution errors.
func (e *ExecutionError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewExecutionError creates a new execution error with context.
func NewExecutionError(op, executionID string, err error) *ExecutionError {
	return &ExecutionError{Op: op, ExecutionID: executionID, Err: err}
}

// NewNodeExecutionError creates a new node execution error with context.
func NewNodeExecutionError(op, executionID, nodeID string, err error) *ExecutionError {
	return &ExecutionError{Op: op, ExecutionID: executionID, NodeID: nodeID, Err: err}
}

// TriggerJobError wraps trigger job errors with additional context.
type TriggerJobError struct {
	Op         string
	WorkflowID string
	TriggerID  string
	Err        error
}

func (e *TriggerJobError) Error() string {
	return fmt.Sprintf("%s operation failed for trigger %s of workflow %s: %v", e.Op, e.TriggerID, e.WorkflowID, e.Err)
}

func (e *TriggerJobError) Unwrap() error {
	return e.Err
}

func (e *TriggerJobError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewTriggerJobError creates a new trigger job error with context.
func NewTriggerJobError(op, workflowID, triggerID string, err error) *TriggerJobError {
	return &TriggerJobError{Op: op, WorkflowID: workflowID, TriggerID: triggerID, Err: err}
}

// IsExecutionNotFound checks if an error indicates an execution was not found.
func IsExecutionNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound)
}

// IsNodeExecutionNotFound checks if an error indicates a node execution was not found.
func IsNodeExecutionNotFound(err error) bool {
	return errors.Is(err, ErrNodeExecutionNotFound)
}

// IsTriggerJobNotFound checks if an error indicates a trigger job was not found.
func IsTriggerJobNotFound(err error) bool {
	return errors.Is(err, ErrTriggerJobNotFound)
}
