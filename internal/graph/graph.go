package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/maxxentropy/claudeops/pkg/domain"
)

// ErrUnknownDependency is returned when a phase references a dependency
// id that was never loaded.
var ErrUnknownDependency = errors.New("unknown dependency")

// Graph is the immutable-after-build dependency structure over phases.
// Forward edges point from a phase to its dependents, reverse edges from
// a phase to its prerequisites.
type Graph struct {
	nodes   map[string]domain.Phase
	edges   map[string]map[string]struct{}
	reverse map[string]map[string]struct{}
}

// Build constructs a dependency graph from phase records. Every
// dependency id must resolve to a loaded phase, otherwise Build fails
// with ErrUnknownDependency and a close-match suggestion when one exists.
func Build(phases []domain.Phase) (*Graph, error) {
	g := &Graph{
		nodes:   make(map[string]domain.Phase, len(phases)),
		edges:   make(map[string]map[string]struct{}, len(phases)),
		reverse: make(map[string]map[string]struct{}, len(phases)),
	}

	for _, p := range phases {
		if p.ID == "" {
			return nil, fmt.Errorf("phase %q has no id", p.Name)
		}
		if _, dup := g.nodes[p.ID]; dup {
			return nil, fmt.Errorf("duplicate phase id: %s", p.ID)
		}
		g.nodes[p.ID] = p
		g.edges[p.ID] = make(map[string]struct{})
		g.reverse[p.ID] = make(map[string]struct{})
	}

	for _, p := range phases {
		for _, depID := range p.Dependencies {
			if _, ok := g.nodes[depID]; !ok {
				if suggestion := closeMatch(depID, g.nodes); suggestion != "" {
					return nil, fmt.Errorf("phase %q depends on non-existent phase %q (did you mean %q?): %w",
						p.ID, depID, suggestion, ErrUnknownDependency)
				}
				return nil, fmt.Errorf("phase %q depends on non-existent phase %q: %w",
					p.ID, depID, ErrUnknownDependency)
			}
			g.edges[depID][p.ID] = struct{}{}
			g.reverse[p.ID][depID] = struct{}{}
		}
	}

	return g, nil
}

// Len returns the number of phases in the graph.
func (g *Graph) Len() int { return len(g.nodes) }

// Phase returns the phase with the given id.
func (g *Graph) Phase(id string) (domain.Phase, bool) {
	p, ok := g.nodes[id]
	return p, ok
}

// PhaseIDs returns all phase ids in sorted order.
func (g *Graph) PhaseIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Phases returns all phases keyed by id.
func (g *Graph) Phases() map[string]domain.Phase {
	out := make(map[string]domain.Phase, len(g.nodes))
	for id, p := range g.nodes {
		out[id] = p
	}
	return out
}

// Dependents returns the ids of phases that directly depend on the given
// phase, in sorted order.
func (g *Graph) Dependents(id string) []string {
	return sortedKeys(g.edges[id])
}

// Dependencies returns the ids of the given phase's direct prerequisites,
// in sorted order.
func (g *Graph) Dependencies(id string) []string {
	return sortedKeys(g.reverse[id])
}

// RootPhases returns the ids of phases with no dependencies.
func (g *Graph) RootPhases() []string {
	var roots []string
	for id := range g.nodes {
		if len(g.reverse[id]) == 0 {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)
	return roots
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// closeMatch looks for a plausible intended id: case-insensitive match,
// substring match, or a bare number matching "phase-N".
func closeMatch(target string, nodes map[string]domain.Phase) string {
	lower := strings.ToLower(target)

	for id := range nodes {
		if strings.ToLower(id) == lower {
			return id
		}
	}
	for id := range nodes {
		idLower := strings.ToLower(id)
		if strings.Contains(idLower, lower) || strings.Contains(lower, idLower) {
			return id
		}
	}
	if _, ok := nodes["phase-"+target]; ok {
		return "phase-" + target
	}
	return ""
}
