// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"github.com/dukex/runflow/pkg/models"
	"github.com/google/uuid"
)

// CreateTestNode creates a test Node with default values that can be overridden.
func CreateTestNode(overrides ...func(*models.Node)) *models.Node {
	node := &models.Node{
		ID:         uuid.New().String(),
		Type:       "noop",
		Name:       "Test Node",
		Parameters: map[string]any{},
		Position:   models.Position{X: 100, Y: 200},
	}

	for _, override := range overrides {
		override(node)
	}

	return node
}

// WithID sets the node ID.
func WithID(id string) func(*models.Node) {
	return func(n *models.Node) {
		n.ID = id
		n.Name = id
	}
}

// WithType sets the node type.
func WithType(nodeType string) func(*models.Node) {
	return func(n *models.Node) {
		n.Type = nodeType
	}
}

// WithName sets the node name.
func WithName(name string) func(*models.Node) {
	return func(n *models.Node) {
		n.Name = name
	}
}

// WithParameters sets the node parameters.
func WithParameters(params map[string]any) func(*models.Node) {
	return func(n *models.Node) {
		n.Parameters = params
	}
}

// WithRetry sets the node retry policy.
func WithRetry(maxRetries int, baseDelayMs int64) func(*models.Node) {
	return func(n *models.Node) {
		n.Settings.Retry = &models.RetryPolicy{
			MaxRetries:  maxRetries,
			BaseDelayMs: baseDelayMs,
			MaxDelayMs:  baseDelayMs * 10,
		}
	}
}

// WithTimeout sets the node timeout.
func WithTimeout(ms int64) func(*models.Node) {
	return func(n *models.Node) {
		n.Settings.TimeoutMs = ms
	}
}

// WithExternalService routes the node through a circuit breaker.
func WithExternalService(credentialID string) func(*models.Node) {
	return func(n *models.Node) {
		n.Settings.ExternalService = true
		n.CredentialID = credentialID
	}
}

// WithDisabled disables the node.
func WithDisabled() func(*models.Node) {
	return func(n *models.Node) {
		n.Disabled = true
	}
}

// CreateTestGraph creates a graph from nodes and connections.
func CreateTestGraph(nodes []*models.Node, connections ...*models.Connection) *models.WorkflowGraph {
	return &models.WorkflowGraph{
		ID:          "wf-" + uuid.New().String()[:8],
		Name:        "Test Workflow",
		Nodes:       nodes,
		Connections: connections,
	}
}

// Connect links the main output of source to target.
func Connect(source, target string) *models.Connection {
	return &models.Connection{SourceNodeID: source, TargetNodeID: target}
}

// ConnectOutput links a named output of source to target.
func ConnectOutput(source, output, target string) *models.Connection {
	return &models.Connection{SourceNodeID: source, SourceOutput: output, TargetNodeID: target}
}

// LinearGraph builds id[0] -> id[1] -> ... of noop nodes.
func LinearGraph(ids ...string) *models.WorkflowGraph {
	nodes := make([]*models.Node, 0, len(ids))
	connections := make([]*models.Connection, 0, len(ids))

	for i, id := range ids {
		nodes = append(nodes, CreateTestNode(WithID(id)))

		if i > 0 {
			connections = append(connections, Connect(ids[i-1], id))
		}
	}

	return CreateTestGraph(nodes, connections...)
}

// CreateTestTriggerJob creates a schedule trigger job.
func CreateTestTriggerJob(workflowID, triggerID, cron string, overrides ...func(*models.TriggerJob)) *models.TriggerJob {
	job := &models.TriggerJob{
		WorkflowID:     workflowID,
		TriggerID:      triggerID,
		Type:           models.TriggerTypeSchedule,
		CronExpression: cron,
		Timezone:       "UTC",
		Active:         true,
	}

	for _, override := range overrides {
		override(job)
	}

	return job
}
