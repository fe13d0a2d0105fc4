package graph

import (
	"cmp"
	"slices"

	"github.com/dukex/runflow/pkg/models"
)

// Plan is the precomputed scheduling view of a validated graph.
type Plan struct {
	Graph *models.WorkflowGraph
	// Order lists node ids by ascending rank.
	Order []string
	Rank  map[string]int
	// Dependencies lists the distinct upstream node ids of every node.
	Dependencies map[string][]string
	Incoming     map[string][]*models.Connection
	Outgoing     map[string][]*models.Connection

	nodes map[string]*models.Node
}

// NewPlan validates g and builds its plan.
func NewPlan(g *models.WorkflowGraph) (*Plan, error) {
	ranks, err := rank(g)
	if err != nil {
		return nil, err
	}

	p := &Plan{
		Graph:        g,
		Order:        make([]string, 0, len(g.Nodes)),
		Rank:         ranks,
		Dependencies: make(map[string][]string, len(g.Nodes)),
		Incoming:     make(map[string][]*models.Connection, len(g.Nodes)),
		Outgoing:     make(map[string][]*models.Connection, len(g.Nodes)),
		nodes:        make(map[string]*models.Node, len(g.Nodes)),
	}

	for _, node := range g.Nodes {
		p.nodes[node.ID] = node
		p.Order = append(p.Order, node.ID)
		p.Dependencies[node.ID] = []string{}
	}

	slices.SortFunc(p.Order, func(a, b string) int { return cmp.Compare(ranks[a], ranks[b]) })

	for _, conn := range g.Connections {
		p.Incoming[conn.TargetNodeID] = append(p.Incoming[conn.TargetNodeID], conn)
		p.Outgoing[conn.SourceNodeID] = append(p.Outgoing[conn.SourceNodeID], conn)

		if !slices.Contains(p.Dependencies[conn.TargetNodeID], conn.SourceNodeID) {
			p.Dependencies[conn.TargetNodeID] = append(p.Dependencies[conn.TargetNodeID], conn.SourceNodeID)
		}
	}

	for id := range p.Dependencies {
		slices.SortFunc(p.Dependencies[id], func(a, b string) int { return cmp.Compare(ranks[a], ranks[b]) })
	}

	return p, nil
}

// Node returns the node with the given id.
func (p *Plan) Node(id string) *models.Node {
	return p.nodes[id]
}

// HasErrorRoute reports whether a failure of node id is handled by an
// outgoing error connection.
func (p *Plan) HasErrorRoute(id string) bool {
	for _, conn := range p.Outgoing[id] {
		if conn.IsErrorRoute() {
			return true
		}
	}

	return false
}

// Roots returns the nodes without incoming connections, by rank.
func (p *Plan) Roots() []string {
	var roots []string

	for _, id := range p.Order {
		if len(p.Incoming[id]) == 0 {
			roots = append(roots, id)
		}
	}

	return roots
}
