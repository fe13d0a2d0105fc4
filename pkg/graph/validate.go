// Package graph validates workflow graphs and derives the execution plan the
// orchestrator schedules from: topological rank, dependencies and the
// connections entering and leaving every node.
package graph

import (
	"cmp"
	"container/heap"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/dukex/runflow/pkg/models"
)

var (
	ErrInvalidGraph = errors.New("invalid workflow graph")
	ErrCycle        = errors.New("workflow graph contains a cycle")
)

// ValidationError lists every structural problem found in a graph.
type ValidationError struct {
	Issues []string
	cyclic bool
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrInvalidGraph, strings.Join(e.Issues, "; "))
}

func (e *ValidationError) Unwrap() []error {
	if e.cyclic {
		return []error{ErrInvalidGraph, ErrCycle}
	}

	return []error{ErrInvalidGraph}
}

// Validate checks that node ids are unique, connections reference existing
// nodes and never loop back onto their source, and that the graph is acyclic.
func Validate(g *models.WorkflowGraph) error {
	_, err := rank(g)

	return err
}

// rank validates g and returns the stable topological rank of every node.
// Among nodes that become ready at the same time, the one declared first in
// g.Nodes gets the lower rank.
func rank(g *models.WorkflowGraph) (map[string]int, error) {
	if g == nil {
		return nil, &ValidationError{Issues: []string{"graph is nil"}}
	}

	var issues []string

	position := make(map[string]int, len(g.Nodes))

	for i, node := range g.Nodes {
		switch {
		case node == nil:
			issues = append(issues, fmt.Sprintf("node at index %d is nil", i))
		case node.ID == "":
			issues = append(issues, fmt.Sprintf("node at index %d has no id", i))
		case node.Type == "":
			issues = append(issues, fmt.Sprintf("node %q has no type", node.ID))
		}

		if node == nil || node.ID == "" {
			continue
		}

		if _, dup := position[node.ID]; dup {
			issues = append(issues, fmt.Sprintf("duplicate node id %q", node.ID))

			continue
		}

		position[node.ID] = i
	}

	if len(g.Nodes) == 0 {
		issues = append(issues, "graph has no nodes")
	}

	inDegree := make(map[string]int, len(position))
	dependents := make(map[string][]string, len(position))
	seenEdge := make(map[[2]string]bool)

	for id := range position {
		inDegree[id] = 0
	}

	for i, conn := range g.Connections {
		if conn == nil {
			issues = append(issues, fmt.Sprintf("connection at index %d is nil", i))

			continue
		}

		_, srcOK := position[conn.SourceNodeID]
		_, dstOK := position[conn.TargetNodeID]

		if !srcOK {
			issues = append(issues, fmt.Sprintf("connection %d references unknown source node %q", i, conn.SourceNodeID))
		}

		if !dstOK {
			issues = append(issues, fmt.Sprintf("connection %d references unknown target node %q", i, conn.TargetNodeID))
		}

		if conn.SourceNodeID == conn.TargetNodeID {
			issues = append(issues, fmt.Sprintf("node %q is connected to itself", conn.SourceNodeID))

			continue
		}

		if !srcOK || !dstOK {
			continue
		}

		edge := [2]string{conn.SourceNodeID, conn.TargetNodeID}
		if seenEdge[edge] {
			continue
		}

		seenEdge[edge] = true
		inDegree[conn.TargetNodeID]++
		dependents[conn.SourceNodeID] = append(dependents[conn.SourceNodeID], conn.TargetNodeID)
	}

	if len(issues) > 0 {
		return nil, &ValidationError{Issues: issues}
	}

	ready := &positionHeap{position: position}

	for id, degree := range inDegree {
		if degree == 0 {
			heap.Push(ready, id)
		}
	}

	ranks := make(map[string]int, len(position))

	for ready.Len() > 0 {
		id := heap.Pop(ready).(string)
		ranks[id] = len(ranks)

		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				heap.Push(ready, dep)
			}
		}
	}

	if len(ranks) != len(position) {
		var stuck []string

		for id := range position {
			if _, ok := ranks[id]; !ok {
				stuck = append(stuck, id)
			}
		}

		slices.SortFunc(stuck, func(a, b string) int { return cmp.Compare(position[a], position[b]) })

		return nil, &ValidationError{
			Issues: []string{fmt.Sprintf("cycle detected between nodes %s", strings.Join(stuck, ", "))},
			cyclic: true,
		}
	}

	return ranks, nil
}

// positionHeap orders node ids by their declaration index.
type positionHeap struct {
	ids      []string
	position map[string]int
}

func (h *positionHeap) Len() int           { return len(h.ids) }
func (h *positionHeap) Less(i, j int) bool { return h.position[h.ids[i]] < h.position[h.ids[j]] }
func (h *positionHeap) Swap(i, j int)      { h.ids[i], h.ids[j] = h.ids[j], h.ids[i] }
func (h *positionHeap) Push(x any)         { h.ids = append(h.ids, x.(string)) }

func (h *positionHeap) Pop() any {
	old := h.ids
	n := len(old)
	item := old[n-1]
	h.ids = old[:n-1]

	return item
}
