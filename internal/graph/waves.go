package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/maxxentropy/claudeops/pkg/domain"
)

// ErrCycle is returned when wave calculation cannot place every phase.
var ErrCycle = errors.New("dependency cycle")

// CalculateWaves batches phases into execution waves using Kahn-style
// topological ordering: every phase of in-degree zero forms the current
// wave, then dependents whose prerequisites are all placed become the
// next wave. Guarantees: each phase appears in exactly one wave, a
// phase's wave number is strictly greater than every dependency's, and
// phases within a wave have no dependency on each other.
func (g *Graph) CalculateWaves() ([]*domain.ExecutionWave, error) {
	indegree := make(map[string]int, len(g.nodes))
	var ready []string
	for id := range g.nodes {
		indegree[id] = len(g.reverse[id])
		if indegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	var waves []*domain.ExecutionWave
	processed := 0

	for len(ready) > 0 {
		sort.Strings(ready)
		waves = append(waves, domain.NewWave(len(waves), ready))
		processed += len(ready)

		var next []string
		for _, id := range ready {
			for _, dep := range g.Dependents(id) {
				indegree[dep]--
				if indegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		ready = next
	}

	if processed < len(g.nodes) {
		var remaining []string
		for id, deg := range indegree {
			if deg > 0 {
				remaining = append(remaining, id)
			}
		}
		sort.Strings(remaining)
		return nil, fmt.Errorf("%w among phases: %s", ErrCycle, strings.Join(remaining, ", "))
	}

	return waves, nil
}

// OptimizeWaveDistribution splits any wave larger than maxConcurrency
// into consecutive sub-waves. Phases in an oversized wave are ordered by
// descending estimated duration before chunking so the longest work
// starts earliest, then all waves are renumbered sequentially.
func (g *Graph) OptimizeWaveDistribution(waves []*domain.ExecutionWave, maxConcurrency int) []*domain.ExecutionWave {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}

	var out []*domain.ExecutionWave
	for _, wave := range waves {
		if len(wave.Phases) <= maxConcurrency {
			out = append(out, wave)
			continue
		}

		phases := make([]string, len(wave.Phases))
		copy(phases, wave.Phases)
		sort.SliceStable(phases, func(i, j int) bool {
			return g.estimatedDuration(phases[i]) > g.estimatedDuration(phases[j])
		})

		for start := 0; start < len(phases); start += maxConcurrency {
			end := start + maxConcurrency
			if end > len(phases) {
				end = len(phases)
			}
			chunk := make([]string, end-start)
			copy(chunk, phases[start:end])
			out = append(out, domain.NewWave(0, chunk))
		}
	}

	for i, wave := range out {
		wave.Number = i
	}
	return out
}

// CriticalPath returns the longest cumulative-duration dependency chain
// through the graph and its total duration. One topological pass computes
// the longest path ending at each node; the path is rebuilt by walking
// predecessors back from the global maximum.
func (g *Graph) CriticalPath() ([]string, time.Duration) {
	waves, err := g.CalculateWaves()
	if err != nil {
		return nil, 0
	}

	longest := make(map[string]time.Duration, len(g.nodes))
	prev := make(map[string]string, len(g.nodes))

	for _, wave := range waves {
		for _, id := range wave.Phases {
			// Track the argmax dependency unconditionally; zero-duration
			// ancestors still belong on the path.
			var best time.Duration
			bestDep := ""
			for _, dep := range g.Dependencies(id) {
				if bestDep == "" || longest[dep] > best {
					best = longest[dep]
					bestDep = dep
				}
			}
			if bestDep != "" {
				prev[id] = bestDep
			}
			longest[id] = best + g.estimatedDuration(id)
		}
	}

	var endID string
	var total time.Duration
	for _, id := range g.PhaseIDs() {
		if endID == "" || longest[id] >= total {
			total = longest[id]
			endID = id
		}
	}
	if endID == "" {
		return nil, 0
	}

	var path []string
	for id := endID; id != ""; id = prev[id] {
		path = append([]string{id}, path...)
	}
	return path, total
}

// EstimateTotalTime sums, per wave, the maximum phase duration in that
// wave: waves run sequentially and a wave is bounded by its slowest phase.
func (g *Graph) EstimateTotalTime(waves []*domain.ExecutionWave) time.Duration {
	var total time.Duration
	for _, wave := range waves {
		var slowest time.Duration
		for _, id := range wave.Phases {
			if d := g.estimatedDuration(id); d > slowest {
				slowest = d
			}
		}
		total += slowest
	}
	return total
}

func (g *Graph) estimatedDuration(id string) time.Duration {
	return g.nodes[id].EstimatedDuration
}
