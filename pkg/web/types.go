package web

import (
	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/trigger"
)

// StartExecutionRequest starts a workflow. Graph overrides the stored
// definition of the workflow when present.
type StartExecutionRequest struct {
	WorkflowID  string                `json:"workflow_id"            validate:"required_without=Graph"`
	Graph       *models.WorkflowGraph `json:"graph,omitempty"`
	TriggerData map[string]any        `json:"trigger_data,omitempty"`
}

// RunNodeRequest runs a single node with the given input.
type RunNodeRequest struct {
	WorkflowID string         `json:"workflow_id"`
	Node       *models.Node   `json:"node"        validate:"required"`
	Input      map[string]any `json:"input,omitempty"`
}

// ActivateTriggersRequest upserts each listed trigger by id. Triggers not
// listed are left alone.
type ActivateTriggersRequest struct {
	Triggers []trigger.TriggerSpec `json:"triggers" validate:"required,min=1,dive"`
}

type TriggersResponse struct {
	Triggers []*models.TriggerJob `json:"triggers"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type NodeExecutionsResponse struct {
	ExecutionID string                  `json:"execution_id"`
	Nodes       []*models.NodeExecution `json:"nodes"`
}
