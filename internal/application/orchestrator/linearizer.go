package orchestrator

import (
	"strings"

	"github.com/aescanero/agentpipe/pkg/domain"
)

// traitSeparator joins the contents of several traits attached to one agent
const traitSeparator = "\n\n"

// ordering is the result of a topological sort over node ids
type ordering struct {
	sorted       []string
	byID         map[string]*domain.Node
	traitContext map[string][]string
}

// Linearize reduces a pipeline graph to a single execution order using
// Kahn's algorithm. Ties are broken by node array order. Edges from trait
// nodes only attach trait context and never affect ordering. Nodes on a
// cycle never reach zero in-degree and are left out; call Validate first.
func Linearize(nodes []domain.Node, edges []domain.Edge) []domain.ExecutionStep {
	o := topoSort(nodes, edges)

	steps := make([]domain.ExecutionStep, 0, len(o.sorted))
	for _, id := range o.sorted {
		node := o.byID[id]
		if node.Type != domain.NodeTypeAgent {
			continue
		}
		steps = append(steps, domain.ExecutionStep{
			Order:        len(steps),
			AgentID:      agentID(node),
			AgentName:    node.Data.Name,
			Instructions: node.Data.Instructions,
			TraitContext: strings.Join(o.traitContext[id], traitSeparator),
		})
	}
	return steps
}

func topoSort(nodes []domain.Node, edges []domain.Edge) ordering {
	o := ordering{
		sorted:       make([]string, 0, len(nodes)),
		byID:         make(map[string]*domain.Node, len(nodes)),
		traitContext: make(map[string][]string),
	}

	inDegree := make(map[string]int, len(nodes))
	for i := range nodes {
		if _, dup := o.byID[nodes[i].ID]; dup {
			continue
		}
		o.byID[nodes[i].ID] = &nodes[i]
		inDegree[nodes[i].ID] = 0
	}

	adjacency := make(map[string][]string)
	for _, edge := range edges {
		source, ok := o.byID[edge.Source]
		if !ok {
			continue
		}
		if _, ok := o.byID[edge.Target]; !ok {
			continue
		}
		if source.Type == domain.NodeTypeTrait {
			if source.Data.Content != "" {
				o.traitContext[edge.Target] = append(o.traitContext[edge.Target], source.Data.Content)
			}
			continue
		}
		adjacency[edge.Source] = append(adjacency[edge.Source], edge.Target)
		inDegree[edge.Target]++
	}

	queue := make([]string, 0, len(nodes))
	for i := range nodes {
		// duplicated ids are scheduled once, at their first position
		if o.byID[nodes[i].ID] == &nodes[i] && inDegree[nodes[i].ID] == 0 {
			queue = append(queue, nodes[i].ID)
		}
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		o.sorted = append(o.sorted, id)

		for _, next := range adjacency[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	return o
}

// agentID falls back to the node id for nodes without an agent reference
func agentID(node *domain.Node) string {
	if node.Data.AgentID != "" {
		return node.Data.AgentID
	}
	return node.ID
}
