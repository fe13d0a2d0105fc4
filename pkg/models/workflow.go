// Package models defines the domain models shared by the execution engine:
// workflow graphs, executions, node executions, trigger jobs and queue jobs.
package models

// Output names a node can emit on. Connections from OutputError only carry
// data when the source node failed.
const (
	OutputMain  = "main"
	OutputError = "error"
	InputMain   = "main"
)

// WorkflowGraph is the structure the engine executes. It is owned by an
// external workflow store and treated as read-only here.
type WorkflowGraph struct {
	ID          string        `json:"id"                    validate:"required"`
	Name        string        `json:"name,omitempty"`
	Nodes       []*Node       `json:"nodes"                 validate:"required,min=1,dive"`
	Connections []*Connection `json:"connections"           validate:"dive"`
	Settings    GraphSettings `json:"settings,omitzero"`
}

// GraphSettings holds workflow-wide execution settings.
type GraphSettings struct {
	// Retry is applied to nodes that do not define their own policy.
	Retry *RetryPolicy `json:"retry,omitempty"`
	// TimeoutMs caps the wall-clock duration of an execution. Zero means no cap.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
	// Concurrency limits the number of nodes running at once within one execution.
	Concurrency int `json:"concurrency,omitempty"`
}

// Node is one executable unit of a workflow graph.
type Node struct {
	ID           string         `json:"id"                       validate:"required"`
	Name         string         `json:"name"`
	Type         string         `json:"type"                     validate:"required"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Position     Position       `json:"position,omitzero"`
	ParentNodeID string         `json:"parent_node_id,omitempty"`
	Disabled     bool           `json:"disabled,omitempty"`
	// CredentialID identifies the credential an external-service node uses.
	// It scopes the node's circuit breaker.
	CredentialID string       `json:"credential_id,omitempty"`
	Settings     NodeSettings `json:"settings,omitzero"`
}

// Position is the editor position of a node. It has no effect on execution.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// NodeSettings carries per-node execution behaviour.
type NodeSettings struct {
	Retry     *RetryPolicy `json:"retry,omitempty"`
	TimeoutMs int64        `json:"timeout_ms,omitempty"`
	// ExternalService routes the node through a circuit breaker even when its
	// type is not registered as calling an external service.
	ExternalService bool `json:"external_service,omitempty"`
}

// RetryPolicy configures automatic retries of a node call.
type RetryPolicy struct {
	MaxRetries  int   `json:"max_retries"   validate:"gte=0,lte=10"`
	BaseDelayMs int64 `json:"base_delay_ms" validate:"gte=0"`
	MaxDelayMs  int64 `json:"max_delay_ms"  validate:"gte=0"`
	Jitter      bool  `json:"jitter"`
}

// Connection links an output of one node to an input of another.
type Connection struct {
	SourceNodeID string `json:"source_node_id" validate:"required"`
	SourceOutput string `json:"source_output,omitempty"`
	TargetNodeID string `json:"target_node_id" validate:"required"`
	TargetInput  string `json:"target_input,omitempty"`
}

// Output returns the source output name, defaulting to OutputMain.
func (c *Connection) Output() string {
	if c.SourceOutput == "" {
		return OutputMain
	}

	return c.SourceOutput
}

// IsErrorRoute reports whether the connection only carries failures.
func (c *Connection) IsErrorRoute() bool {
	return c.Output() == OutputError
}

// NodeByID returns the node with the given id, or nil.
func (g *WorkflowGraph) NodeByID(id string) *Node {
	for _, node := range g.Nodes {
		if node.ID == id {
			return node
		}
	}

	return nil
}

// Clone returns a deep copy of the graph structure. Parameter maps are copied
// one level deep, which is enough to isolate a snapshot from later edits of
// the source graph.
func (g *WorkflowGraph) Clone() *WorkflowGraph {
	if g == nil {
		return nil
	}

	clone := &WorkflowGraph{
		ID:          g.ID,
		Name:        g.Name,
		Nodes:       make([]*Node, 0, len(g.Nodes)),
		Connections: make([]*Connection, 0, len(g.Connections)),
		Settings:    g.Settings,
	}

	if g.Settings.Retry != nil {
		retry := *g.Settings.Retry
		clone.Settings.Retry = &retry
	}

	for _, node := range g.Nodes {
		n := *node
		n.Parameters = CopyMap(node.Parameters)

		if node.Settings.Retry != nil {
			retry := *node.Settings.Retry
			n.Settings.Retry = &retry
		}

		clone.Nodes = append(clone.Nodes, &n)
	}

	for _, conn := range g.Connections {
		c := *conn
		clone.Connections = append(clone.Connections, &c)
	}

	return clone
}

// CopyMap returns a shallow copy of m. A nil map stays nil.
func CopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}

	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}

	return out
}
