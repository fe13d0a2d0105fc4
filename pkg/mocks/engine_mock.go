package mocks

import (
	"context"

	"github.com/dukex/runflow/pkg/engine"
	"github.com/dukex/runflow/pkg/models"
	"github.com/dukex/runflow/pkg/orchestrator"
	"github.com/dukex/runflow/pkg/trigger"
	"github.com/stretchr/testify/mock"
)

// MockEngine is a mock implementation of web.Engine.
type MockEngine struct {
	mock.Mock
}

func execution(args mock.Arguments) (*models.Execution, error) {
	if e, ok := args.Get(0).(*models.Execution); ok {
		return e, args.Error(1)
	}

	return nil, args.Error(1)
}

func (m *MockEngine) StartExecution(ctx context.Context, in engine.StartInput) (*models.Execution, error) {
	return execution(m.Called(ctx, in))
}

func (m *MockEngine) RunNode(ctx context.Context, in orchestrator.RunNodeInput) (*models.Execution, error) {
	return execution(m.Called(ctx, in))
}

func (m *MockEngine) Cancel(ctx context.Context, executionID string) (*models.Execution, error) {
	return execution(m.Called(ctx, executionID))
}

func (m *MockEngine) Pause(ctx context.Context, executionID string) (*models.Execution, error) {
	return execution(m.Called(ctx, executionID))
}

func (m *MockEngine) Resume(ctx context.Context, executionID string) (*models.Execution, error) {
	return execution(m.Called(ctx, executionID))
}

func (m *MockEngine) Execution(ctx context.Context, executionID string) (*models.Execution, error) {
	return execution(m.Called(ctx, executionID))
}

func (m *MockEngine) NodeExecutions(ctx context.Context, executionID string) ([]*models.NodeExecution, error) {
	args := m.Called(ctx, executionID)

	nodes, _ := args.Get(0).([]*models.NodeExecution)

	return nodes, args.Error(1)
}

func (m *MockEngine) ActivateTriggers(ctx context.Context, workflowID string, specs []trigger.TriggerSpec) ([]*models.TriggerJob, error) {
	args := m.Called(ctx, workflowID, specs)

	jobs, _ := args.Get(0).([]*models.TriggerJob)

	return jobs, args.Error(1)
}

func (m *MockEngine) DeactivateTriggers(ctx context.Context, workflowID string) (int, error) {
	args := m.Called(ctx, workflowID)

	return args.Int(0), args.Error(1)
}

func (m *MockEngine) DeleteTrigger(ctx context.Context, workflowID, triggerID string) error {
	args := m.Called(ctx, workflowID, triggerID)

	return args.Error(0)
}

func (m *MockEngine) DeleteWorkflowTriggers(ctx context.Context, workflowID string) (int, error) {
	args := m.Called(ctx, workflowID)

	return args.Int(0), args.Error(1)
}

func (m *MockEngine) ListTriggers(ctx context.Context, workflowID string) ([]*models.TriggerJob, error) {
	args := m.Called(ctx, workflowID)

	jobs, _ := args.Get(0).([]*models.TriggerJob)

	return jobs, args.Error(1)
}

func (m *MockEngine) Health(ctx context.Context) engine.Health {
	args := m.Called(ctx)

	return args.Get(0).(engine.Health)
}
