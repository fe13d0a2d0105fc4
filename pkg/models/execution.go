package models

import "time"

// ExecutionStatus is the lifecycle state of an Execution.
type ExecutionStatus string

const (
	ExecutionStatusQueued    ExecutionStatus = "queued"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusPaused    ExecutionStatus = "paused"
	ExecutionStatusSuccess   ExecutionStatus = "success"
	ExecutionStatusError     ExecutionStatus = "error"
	ExecutionStatusTimeout   ExecutionStatus = "timeout"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusSuccess, ExecutionStatusError, ExecutionStatusTimeout, ExecutionStatusCancelled:
		return true
	default:
		return false
	}
}

// ExecutionMode distinguishes full runs from single-node debug runs.
type ExecutionMode string

const (
	ExecutionModeFull       ExecutionMode = "full"
	ExecutionModeSingleNode ExecutionMode = "single_node"
)

// Execution is one run of a WorkflowGraph.
type Execution struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflow_id"`
	Mode        ExecutionMode   `json:"mode"`
	Status      ExecutionStatus `json:"status"`
	TriggerData map[string]any  `json:"trigger_data,omitempty"`
	// Graph is the snapshot taken when the execution was prepared.
	Graph             *WorkflowGraph  `json:"graph"`
	FlowExecutionPath []string        `json:"flow_execution_path"`
	Progress          int             `json:"progress"`
	Error             *ExecutionError `json:"error,omitempty"`
	// CancelRequested and PauseRequested are set by operators, possibly from
	// another process, and observed by the running orchestrator at each node
	// admission.
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	PauseRequested  bool       `json:"pause_requested,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	PausedAt        *time.Time `json:"paused_at,omitempty"`
	ResumedAt       *time.Time `json:"resumed_at,omitempty"`
	CancelledAt     *time.Time `json:"cancelled_at,omitempty"`
}

// ExecutionError records the terminal failure of an execution.
type ExecutionError struct {
	Message        string         `json:"message"`
	Type           string         `json:"type,omitempty"`
	Category       string         `json:"category,omitempty"`
	FailedNodeID   string         `json:"failed_node_id,omitempty"`
	FailedNodeName string         `json:"failed_node_name,omitempty"`
	FailedNodeType string         `json:"failed_node_type,omitempty"`
	Stack          string         `json:"stack,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
}

// NodeStatus is the lifecycle state of a NodeExecution.
type NodeStatus string

const (
	NodeStatusIdle      NodeStatus = "idle"
	NodeStatusQueued    NodeStatus = "queued"
	NodeStatusWaiting   NodeStatus = "waiting"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusSuccess   NodeStatus = "success"
	NodeStatusError     NodeStatus = "error"
	NodeStatusSkipped   NodeStatus = "skipped"
	NodeStatusCancelled NodeStatus = "cancelled"
	NodeStatusPaused    NodeStatus = "paused"
)

// IsTerminal reports whether the node reached a final state. PAUSED is not
// terminal: a resumed execution moves paused nodes back to QUEUED.
func (s NodeStatus) IsTerminal() bool {
	switch s {
	case NodeStatusSuccess, NodeStatusError, NodeStatusSkipped, NodeStatusCancelled:
		return true
	default:
		return false
	}
}

// NodeError is the recorded failure of a single node.
type NodeError struct {
	Message   string         `json:"message"`
	Type      string         `json:"type"`
	Category  string         `json:"category"`
	Retryable bool           `json:"retryable"`
	Context   map[string]any `json:"context,omitempty"`
}

// NodeExecution is the state of one node within one Execution.
type NodeExecution struct {
	ExecutionID    string         `json:"execution_id"`
	NodeID         string         `json:"node_id"`
	NodeName       string         `json:"node_name,omitempty"`
	NodeType       string         `json:"node_type"`
	Status         NodeStatus     `json:"status"`
	InputData      map[string]any `json:"input_data,omitempty"`
	OutputData     map[string]any `json:"output_data,omitempty"`
	Error          *NodeError     `json:"error,omitempty"`
	Dependencies   []string       `json:"dependencies"`
	ExecutionOrder int            `json:"execution_order"`
	ParentNodeID   string         `json:"parent_node_id,omitempty"`
	Progress       int            `json:"progress"`
	Attempts       int            `json:"attempts"`
	// ActiveOutputs lists the outputs the node emitted on. Empty for a
	// successful node means every non-error output.
	ActiveOutputs []string   `json:"active_outputs,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// FlowExecutionState is a cached, UI oriented view of node progress. It may
// lag behind NodeExecution and is never used for scheduling decisions.
type FlowExecutionState struct {
	ExecutionID string     `json:"execution_id"`
	NodeID      string     `json:"node_id"`
	Status      NodeStatus `json:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	DurationMs  int64      `json:"duration_ms"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Clone returns a copy that shares only the immutable graph snapshot.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}

	c := *e
	c.TriggerData = CopyMap(e.TriggerData)
	c.FlowExecutionPath = append([]string(nil), e.FlowExecutionPath...)

	if e.Error != nil {
		errCopy := *e.Error
		errCopy.Context = CopyMap(e.Error.Context)
		c.Error = &errCopy
	}

	return &c
}

// Clone returns a copy of the node execution.
func (n *NodeExecution) Clone() *NodeExecution {
	if n == nil {
		return nil
	}

	c := *n
	c.InputData = CopyMap(n.InputData)
	c.OutputData = CopyMap(n.OutputData)
	c.Dependencies = append([]string(nil), n.Dependencies...)
	c.ActiveOutputs = append([]string(nil), n.ActiveOutputs...)

	if n.Error != nil {
		errCopy := *n.Error
		errCopy.Context = CopyMap(n.Error.Context)
		c.Error = &errCopy
	}

	return &c
}
