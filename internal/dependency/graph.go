// Package dependency builds the service dependency graph of a project and
// partitions it into startup stages.
package dependency

import (
	"fmt"
	"strings"

	apperrors "devspin/internal/errors"
	"devspin/internal/project"
	"devspin/pkg/logging"
)

// Node is a vertex of the dependency graph. DependsOn lists the IDs this
// node requires to be healthy before it starts.
type Node struct {
	ID        string
	DependsOn []string
}

// Stage is a set of services with no dependency relationship among them,
// ordered by declaration.
type Stage []string

// Graph is a directed dependency graph that remembers insertion order so
// every traversal is deterministic.
type Graph struct {
	nodes map[string]*Node
	order []string
}

// CycleError names one concrete dependency cycle.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "cycle: " + strings.Join(e.Path, " -> ")
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{nodes: make(map[string]*Node)}
}

// FromProject builds a graph with one node per service, in declaration order.
func FromProject(p *project.Project) *Graph {
	g := New()
	for _, s := range p.Services {
		deps := make([]string, len(s.DependsOn))
		copy(deps, s.DependsOn)
		g.AddNode(Node{ID: s.Name, DependsOn: deps})
	}
	return g
}

// AddNode adds or replaces a node. Replacing keeps the original position.
func (g *Graph) AddNode(n Node) {
	if _, exists := g.nodes[n.ID]; !exists {
		g.order = append(g.order, n.ID)
	}
	node := n
	g.nodes[n.ID] = &node
}

// Node returns the node with the given ID.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.order)
}

// Dependents returns the nodes that directly depend on id, in insertion order.
func (g *Graph) Dependents(id string) []string {
	var out []string
	for _, nid := range g.order {
		for _, dep := range g.nodes[nid].DependsOn {
			if dep == id {
				out = append(out, nid)
				break
			}
		}
	}
	return out
}

// TransitiveDependencies returns ids plus everything they depend on,
// directly or indirectly, in insertion order. Unknown ids are ignored.
func (g *Graph) TransitiveDependencies(ids ...string) []string {
	seen := make(map[string]bool)
	var visit func(id string)
	visit = func(id string) {
		n, ok := g.nodes[id]
		if !ok || seen[id] {
			return
		}
		seen[id] = true
		for _, dep := range n.DependsOn {
			visit(dep)
		}
	}
	for _, id := range ids {
		visit(id)
	}
	return g.inOrder(seen)
}

// TransitiveDependents returns every node that depends on id, directly or
// indirectly, in insertion order. id itself is not included.
func (g *Graph) TransitiveDependents(id string) []string {
	seen := make(map[string]bool)
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range g.Dependents(cur) {
			if !seen[d] {
				seen[d] = true
				queue = append(queue, d)
			}
		}
	}
	delete(seen, id)
	return g.inOrder(seen)
}

func (g *Graph) inOrder(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for _, id := range g.order {
		if set[id] {
			out = append(out, id)
		}
	}
	return out
}

// Stages partitions the graph with Kahn-style layering: each stage holds
// every remaining node whose dependencies were all scheduled in earlier
// stages. A round without progress means the remaining nodes contain a
// cycle; no partial partition is returned in that case.
func (g *Graph) Stages() ([]Stage, error) {
	scheduled := make(map[string]bool, len(g.order))
	var stages []Stage

	for len(scheduled) < len(g.order) {
		var stage Stage
		for _, id := range g.order {
			if scheduled[id] {
				continue
			}
			ready := true
			for _, dep := range g.nodes[id].DependsOn {
				if _, known := g.nodes[dep]; !known {
					return nil, fmt.Errorf("node %q depends on unknown node %q", id, dep)
				}
				if !scheduled[dep] {
					ready = false
					break
				}
			}
			if ready {
				stage = append(stage, id)
			}
		}

		if len(stage) == 0 {
			return nil, &CycleError{Path: g.findCycle(scheduled)}
		}
		for _, id := range stage {
			scheduled[id] = true
		}
		stages = append(stages, stage)
	}

	return stages, nil
}

// findCycle walks unscheduled nodes depth-first and returns the first cycle
// found, closed on its starting node (a -> b -> a).
func (g *Graph) findCycle(scheduled map[string]bool) []string {
	visited := make(map[string]bool)
	onStack := make(map[string]int)
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		visited[id] = true
		onStack[id] = len(stack)
		stack = append(stack, id)
		for _, dep := range g.nodes[id].DependsOn {
			if scheduled[dep] {
				continue
			}
			if idx, ok := onStack[dep]; ok {
				cycle = append(append([]string{}, stack[idx:]...), dep)
				return true
			}
			if !visited[dep] && visit(dep) {
				return true
			}
		}
		stack = stack[:len(stack)-1]
		delete(onStack, id)
		return false
	}

	for _, id := range g.order {
		if !scheduled[id] && !visited[id] && visit(id) {
			return cycle
		}
	}
	return nil
}

// Resolve computes the startup stages of a project.
func Resolve(p *project.Project) ([]Stage, error) {
	g := FromProject(p)
	stages, err := g.Stages()
	if err != nil {
		if _, ok := err.(*CycleError); ok {
			logging.Debug("Resolver", "Project %s: %v", p.Name, err)
			return nil, apperrors.ErrCycleDetected(err)
		}
		return nil, apperrors.ErrConfigInvalid(fmt.Sprintf("project %q has an invalid dependency graph", p.Name), err)
	}
	logging.Debug("Resolver", "Project %s resolved into %d stages: %v", p.Name, len(stages), stages)
	return stages, nil
}

// Reverse flattens stages into shutdown order: later stages first, and
// within a stage, reverse declaration order.
func Reverse(stages []Stage) []string {
	var out []string
	for i := len(stages) - 1; i >= 0; i-- {
		for j := len(stages[i]) - 1; j >= 0; j-- {
			out = append(out, stages[i][j])
		}
	}
	return out
}

// Flatten returns the services of all stages in startup order.
func Flatten(stages []Stage) []string {
	var out []string
	for _, s := range stages {
		out = append(out, s...)
	}
	return out
}
