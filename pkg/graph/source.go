package graph

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/runflow/pkg/models"
)

var ErrWorkflowNotFound = errors.New("workflow not found")

// Source resolves the current graph of a workflow. Trigger-started
// executions snapshot whatever it returns at firing time.
type Source interface {
	Graph(ctx context.Context, workflowID string) (*models.WorkflowGraph, error)
}

// DirSource reads <dir>/<workflowID>.json on every call, so edited files are
// picked up without a restart.
type DirSource struct {
	Dir string
}

func (s DirSource) Graph(_ context.Context, workflowID string) (*models.WorkflowGraph, error) {
	if workflowID == "" || strings.ContainsAny(workflowID, `/\`) || strings.Contains(workflowID, "..") {
		return nil, fmt.Errorf("%w: %q", ErrWorkflowNotFound, workflowID)
	}

	path := filepath.Join(s.Dir, workflowID+".json")

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}

	g, err := LoadFile(path)
	if err != nil {
		return nil, err
	}

	if g.ID == "" {
		g.ID = workflowID
	}

	return g, nil
}

// MemorySource holds graphs registered in-process.
type MemorySource struct {
	mu     sync.RWMutex
	graphs map[string]*models.WorkflowGraph
}

func NewMemorySource(graphs ...*models.WorkflowGraph) *MemorySource {
	s := &MemorySource{graphs: map[string]*models.WorkflowGraph{}}

	for _, g := range graphs {
		s.Put(g)
	}

	return s
}

// Put registers or replaces the graph under its id.
func (s *MemorySource) Put(g *models.WorkflowGraph) {
	s.mu.Lock()
	s.graphs[g.ID] = g.Clone()
	s.mu.Unlock()
}

func (s *MemorySource) Graph(_ context.Context, workflowID string) (*models.WorkflowGraph, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.graphs[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}

	return g.Clone(), nil
}
