package domain

import "time"

// NodeType discriminates pipeline graph nodes
type NodeType string

const (
	NodeTypeAgent NodeType = "agent"
	NodeTypeTrait NodeType = "trait"
)

// Node is a single node of a pipeline graph
type Node struct {
	ID   string   `json:"id" yaml:"id"`
	Type NodeType `json:"type" yaml:"type"`
	Data NodeData `json:"data" yaml:"data"`
}

// NodeData carries the metadata attached to a node. Agent nodes use
// AgentID, Name and Instructions; trait nodes use TraitID, Name and Content.
type NodeData struct {
	AgentID      string `json:"agentId,omitempty" yaml:"agentId,omitempty"`
	TraitID      string `json:"traitId,omitempty" yaml:"traitId,omitempty"`
	Name         string `json:"name,omitempty" yaml:"name,omitempty"`
	Instructions string `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	Content      string `json:"content,omitempty" yaml:"content,omitempty"`
}

// Edge is a directed edge between two nodes
type Edge struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
}

// PipelineGraph is the persisted node/edge structure drawn by the user
type PipelineGraph struct {
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges" yaml:"edges"`
}

// NodeByID returns the node with the given id
func (g *PipelineGraph) NodeByID(id string) (Node, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return Node{}, false
}

// Pipeline is the graph store record for a user's pipeline
type Pipeline struct {
	ID        string        `json:"id" yaml:"id"`
	UserID    string        `json:"userId" yaml:"userId"`
	Name      string        `json:"name" yaml:"name"`
	Graph     PipelineGraph `json:"graph" yaml:"graph"`
	CreatedAt time.Time     `json:"createdAt" yaml:"-"`
	UpdatedAt time.Time     `json:"updatedAt" yaml:"-"`
}

// ExecutionStep is one linearized unit of work
type ExecutionStep struct {
	Order        int    `json:"order" yaml:"order"`
	AgentID      string `json:"agentId" yaml:"agentId"`
	AgentName    string `json:"agentName" yaml:"agentName"`
	Instructions string `json:"instructions" yaml:"instructions"`
	TraitContext string `json:"traitContext,omitempty" yaml:"traitContext,omitempty"`
}
