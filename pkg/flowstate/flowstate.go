// Package flowstate caches the per-node UI view of running executions. The
// cache may lag or be pruned; scheduling never reads it.
package flowstate

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/dukex/runflow/pkg/models"
)

// ErrStateNotFound is returned by Get when no state is cached for the node.
var ErrStateNotFound = errors.New("flow execution state not found")

type Store interface {
	Put(ctx context.Context, state models.FlowExecutionState) error
	Get(ctx context.Context, executionID, nodeID string) (*models.FlowExecutionState, error)
	List(ctx context.Context, executionID string) ([]models.FlowExecutionState, error)
	Prune(ctx context.Context, executionID string) error
}

// FromNodeExecution derives the cached view of a node execution.
func FromNodeExecution(n *models.NodeExecution) models.FlowExecutionState {
	state := models.FlowExecutionState{
		ExecutionID: n.ExecutionID,
		NodeID:      n.NodeID,
		Status:      n.Status,
		StartedAt:   n.StartedAt,
		FinishedAt:  n.FinishedAt,
		UpdatedAt:   n.UpdatedAt,
	}

	if n.StartedAt != nil && n.FinishedAt != nil {
		state.DurationMs = n.FinishedAt.Sub(*n.StartedAt).Milliseconds()
	}

	return state
}

// MemoryStore keeps states in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	states map[string]map[string]models.FlowExecutionState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[string]map[string]models.FlowExecutionState)}
}

func (s *MemoryStore) Put(_ context.Context, state models.FlowExecutionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	nodes, ok := s.states[state.ExecutionID]
	if !ok {
		nodes = make(map[string]models.FlowExecutionState)
		s.states[state.ExecutionID] = nodes
	}

	nodes[state.NodeID] = state

	return nil
}

func (s *MemoryStore) Get(_ context.Context, executionID, nodeID string) (*models.FlowExecutionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.states[executionID][nodeID]
	if !ok {
		return nil, ErrStateNotFound
	}

	return &state, nil
}

func (s *MemoryStore) List(_ context.Context, executionID string) ([]models.FlowExecutionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.FlowExecutionState, 0, len(s.states[executionID]))
	for _, state := range s.states[executionID] {
		out = append(out, state)
	}

	sortStates(out)

	return out, nil
}

func (s *MemoryStore) Prune(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.states, executionID)

	return nil
}

func sortStates(states []models.FlowExecutionState) {
	slices.SortFunc(states, func(a, b models.FlowExecutionState) int {
		return cmp.Compare(a.NodeID, b.NodeID)
	})
}
