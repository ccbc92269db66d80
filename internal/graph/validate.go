package graph

import (
	"fmt"
	"sort"
	"strings"
)

// IssueKind classifies a validation finding.
type IssueKind string

const (
	IssueCircularDependency IssueKind = "circular_dependency"
	IssueSelfDependency     IssueKind = "self_dependency"
	IssueUnreachablePhases  IssueKind = "unreachable_phases"
	IssueNoOutputs          IssueKind = "no_outputs"
	IssueDeepChain          IssueKind = "deep_chain"
)

// Severity ranks a validation finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
	SeverityInfo    Severity = "info"
)

// maxChainDepth is the dependency-chain depth beyond which
// parallelization suffers enough to warrant a report.
const maxChainDepth = 5

// Issue is a single validation finding. Validation never mutates the
// graph; callers decide whether warnings block execution.
type Issue struct {
	Kind           IssueKind `json:"kind"`
	Message        string    `json:"message"`
	AffectedPhases []string  `json:"affected_phases,omitempty"`
	Severity       Severity  `json:"severity"`
}

// IsBlocking reports whether the issue must abort execution. Only
// circular and self dependencies are hard errors.
func (i Issue) IsBlocking() bool {
	return i.Kind == IssueCircularDependency || i.Kind == IssueSelfDependency
}

// Validate inspects the graph for structural problems: cycles, self
// dependencies, phases unreachable from any root, phases with no declared
// outputs, and overly deep dependency chains.
func (g *Graph) Validate() []Issue {
	var issues []Issue

	for _, cycle := range g.findCycles() {
		issues = append(issues, Issue{
			Kind:           IssueCircularDependency,
			Message:        fmt.Sprintf("circular dependency detected: %s", strings.Join(cycle, " -> ")),
			AffectedPhases: cycle,
			Severity:       SeverityError,
		})
	}

	for _, id := range g.PhaseIDs() {
		if _, self := g.reverse[id][id]; self {
			issues = append(issues, Issue{
				Kind:           IssueSelfDependency,
				Message:        fmt.Sprintf("phase %q depends on itself", id),
				AffectedPhases: []string{id},
				Severity:       SeverityError,
			})
		}
	}

	if unreachable := g.unreachablePhases(); len(unreachable) > 0 {
		issues = append(issues, Issue{
			Kind:           IssueUnreachablePhases,
			Message:        fmt.Sprintf("phases cannot be reached from root: %s", strings.Join(unreachable, ", ")),
			AffectedPhases: unreachable,
			Severity:       SeverityWarning,
		})
	}

	for _, id := range g.PhaseIDs() {
		if p := g.nodes[id]; len(p.Outputs) == 0 {
			issues = append(issues, Issue{
				Kind:           IssueNoOutputs,
				Message:        fmt.Sprintf("phase %q has no declared outputs", id),
				AffectedPhases: []string{id},
				Severity:       SeverityWarning,
			})
		}
	}

	if depth := g.maxDepth(); depth > maxChainDepth {
		issues = append(issues, Issue{
			Kind:     IssueDeepChain,
			Message:  fmt.Sprintf("dependency chain depth of %d may impact parallelization", depth),
			Severity: SeverityInfo,
		})
	}

	return issues
}

// HasBlockingIssues reports whether any issue is a hard error.
func HasBlockingIssues(issues []Issue) bool {
	for _, issue := range issues {
		if issue.IsBlocking() {
			return true
		}
	}
	return false
}

// dfsFrame is one level of the explicit DFS stack used for cycle
// detection. Recursion is avoided so large graphs cannot exhaust the
// call stack.
type dfsFrame struct {
	id   string
	deps []string
	next int
}

const (
	colorWhite = iota
	colorGray
	colorBlack
)

// findCycles returns each dependency cycle once, normalized to start at
// its lexicographically smallest member.
func (g *Graph) findCycles() [][]string {
	color := make(map[string]int, len(g.nodes))
	seen := make(map[string]bool)
	var cycles [][]string

	for _, start := range g.PhaseIDs() {
		if color[start] != colorWhite {
			continue
		}

		stack := []dfsFrame{{id: start, deps: g.Dependencies(start)}}
		color[start] = colorGray
		path := []string{start}

		for len(stack) > 0 {
			f := &stack[len(stack)-1]
			if f.next < len(f.deps) {
				dep := f.deps[f.next]
				f.next++

				switch color[dep] {
				case colorWhite:
					color[dep] = colorGray
					stack = append(stack, dfsFrame{id: dep, deps: g.Dependencies(dep)})
					path = append(path, dep)
				case colorGray:
					for i, id := range path {
						if id == dep {
							cycle := normalizeCycle(path[i:])
							key := strings.Join(cycle, "->")
							if !seen[key] {
								seen[key] = true
								cycles = append(cycles, cycle)
							}
							break
						}
					}
				}
			} else {
				color[f.id] = colorBlack
				stack = stack[:len(stack)-1]
				path = path[:len(path)-1]
			}
		}
	}

	return cycles
}

// normalizeCycle rotates a cycle so it starts at its smallest member,
// allowing duplicate detections to be collapsed.
func normalizeCycle(cycle []string) []string {
	minIdx := 0
	for i, id := range cycle {
		if id < cycle[minIdx] {
			minIdx = i
		}
	}
	out := make([]string, 0, len(cycle))
	out = append(out, cycle[minIdx:]...)
	out = append(out, cycle[:minIdx]...)
	return out
}

// unreachablePhases returns phases not reachable from any root by
// forward traversal. A graph that is all cycle has no roots, making
// every phase unreachable.
func (g *Graph) unreachablePhases() []string {
	reachable := make(map[string]bool, len(g.nodes))
	queue := g.RootPhases()

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if reachable[id] {
			continue
		}
		reachable[id] = true
		queue = append(queue, g.Dependents(id)...)
	}

	var unreachable []string
	for id := range g.nodes {
		if !reachable[id] {
			unreachable = append(unreachable, id)
		}
	}
	sort.Strings(unreachable)
	return unreachable
}

// maxDepth computes the longest dependency chain length using an
// iterative post-order walk.
func (g *Graph) maxDepth() int {
	depths := make(map[string]int, len(g.nodes))

	var resolve func(string) int
	resolve = func(id string) int {
		if d, ok := depths[id]; ok {
			return d
		}
		// Mark before descending so a cycle terminates at depth 0
		// instead of recursing forever.
		depths[id] = 0
		max := 0
		for _, dep := range g.Dependencies(id) {
			if d := resolve(dep) + 1; d > max {
				max = d
			}
		}
		depths[id] = max
		return max
	}

	max := 0
	for id := range g.nodes {
		if d := resolve(id); d > max {
			max = d
		}
	}
	return max
}
