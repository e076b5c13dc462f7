package orchestrator

import (
	"sort"
	"strings"

	"github.com/aescanero/agentpipe/pkg/domain"
)

// Validator validates pipeline graphs before they are linearized
type Validator struct{}

// NewValidator creates a new graph validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate returns a *domain.ConfigError describing the first structural
// problem found, or nil when the graph can be executed as-is.
func (v *Validator) Validate(g *domain.PipelineGraph) error {
	if g == nil {
		return domain.NewConfigError(nil, "pipeline graph is empty")
	}

	nodes := make(map[string]domain.NodeType, len(g.Nodes))
	agents := 0
	for i, node := range g.Nodes {
		if node.ID == "" {
			return domain.NewConfigError(nil, "node %d has no id", i)
		}
		if _, dup := nodes[node.ID]; dup {
			return domain.NewConfigError(nil, "duplicate node id: %s", node.ID)
		}
		switch node.Type {
		case domain.NodeTypeAgent:
			agents++
		case domain.NodeTypeTrait:
		default:
			return domain.NewConfigError(nil, "node %s has unknown type %q", node.ID, node.Type)
		}
		nodes[node.ID] = node.Type
	}

	if agents == 0 {
		return domain.NewConfigError(nil, "pipeline has no agent nodes")
	}

	for _, edge := range g.Edges {
		sourceType, ok := nodes[edge.Source]
		if !ok {
			return domain.NewConfigError(nil, "edge references non-existent source node: %s", edge.Source)
		}
		targetType, ok := nodes[edge.Target]
		if !ok {
			return domain.NewConfigError(nil, "edge references non-existent target node: %s", edge.Target)
		}
		if targetType == domain.NodeTypeTrait {
			return domain.NewConfigError(nil, "edge %s -> %s targets a trait node", edge.Source, edge.Target)
		}
		if sourceType == domain.NodeTypeAgent && edge.Source == edge.Target {
			return domain.NewConfigError(domain.ErrCyclicGraph, "pipeline graph contains a cycle among agents: %s", edge.Source)
		}
	}

	if stuck := unscheduled(g); len(stuck) > 0 {
		return domain.NewConfigError(domain.ErrCyclicGraph,
			"pipeline graph contains a cycle among agents: %s", strings.Join(stuck, ", "))
	}

	return nil
}

// unscheduled returns the agent node ids a topological sort never reaches, sorted
func unscheduled(g *domain.PipelineGraph) []string {
	o := topoSort(g.Nodes, g.Edges)
	scheduled := make(map[string]bool, len(o.sorted))
	for _, id := range o.sorted {
		scheduled[id] = true
	}

	var stuck []string
	for _, node := range g.Nodes {
		if node.Type == domain.NodeTypeAgent && !scheduled[node.ID] {
			stuck = append(stuck, node.ID)
		}
	}
	sort.Strings(stuck)
	return stuck
}
