package executor

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/maxxentropy/claudeops/internal/graph"
	"github.com/maxxentropy/claudeops/internal/locks"
	"github.com/maxxentropy/claudeops/internal/state"
	eventsmemory "github.com/maxxentropy/claudeops/pkg/adapters/events/memory"
	"github.com/maxxentropy/claudeops/pkg/domain"
	"github.com/maxxentropy/claudeops/pkg/ports"
)

// fakeRunner is an in-process AgentRunner whose agents follow scripted
// health sequences instead of running real subprocesses. Each spawn of a
// phase consumes the next script; the last status of a script is sticky.
type fakeRunner struct {
	mu      sync.Mutex
	scripts map[string][][]domain.AgentStatus
	spawns  map[string]int
	agents  map[string]*fakeAgent
	next    int
}

type fakeAgent struct {
	phaseID  string
	sequence []domain.AgentStatus
	polls    int
	gone     bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		scripts: make(map[string][][]domain.AgentStatus),
		spawns:  make(map[string]int),
		agents:  make(map[string]*fakeAgent),
	}
}

// script appends one attempt's health sequence for the phase.
func (f *fakeRunner) script(phaseID string, statuses ...domain.AgentStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[phaseID] = append(f.scripts[phaseID], statuses)
}

func (f *fakeRunner) Spawn(_ context.Context, phase domain.Phase) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	attempt := f.spawns[phase.ID]
	f.spawns[phase.ID]++

	sequence := []domain.AgentStatus{domain.AgentCompleted}
	if scripts := f.scripts[phase.ID]; attempt < len(scripts) {
		sequence = scripts[attempt]
	}

	f.next++
	agentID := fmt.Sprintf("agent-%s-%d", phase.ID, f.next)
	f.agents[agentID] = &fakeAgent{phaseID: phase.ID, sequence: sequence}
	return agentID, nil
}

func (f *fakeRunner) CheckHealth(agentID string) (domain.AgentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	a, ok := f.agents[agentID]
	if !ok {
		return "", fmt.Errorf("unknown agent %s", agentID)
	}
	if a.gone {
		return domain.AgentTerminated, nil
	}
	idx := a.polls
	if idx >= len(a.sequence) {
		idx = len(a.sequence) - 1
	}
	a.polls++
	return a.sequence[idx], nil
}

func (f *fakeRunner) Terminate(agentID string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.agents[agentID]; ok {
		a.gone = true
	}
	return nil
}

func (f *fakeRunner) CollectLogs(string) []domain.LogEntry { return nil }

func (f *fakeRunner) CollectOutputs(agentID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if a, ok := f.agents[agentID]; ok {
		return []string{a.phaseID + ".out"}
	}
	return nil
}

func (f *fakeRunner) GetAllAgents() map[string]*domain.AgentInfo { return nil }

func (f *fakeRunner) ActiveAgents() []string { return nil }

func (f *fakeRunner) TerminateAll(bool) int { return 0 }

func (f *fakeRunner) FailureReason(string) string { return "scripted failure" }

func (f *fakeRunner) spawnCount(phaseID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spawns[phaseID]
}

type harness struct {
	exec    *WaveExecutor
	runner  *fakeRunner
	tracker *state.Tracker
	graph   *graph.Graph
	waves   []*domain.ExecutionWave
}

func newHarness(t *testing.T, phases []domain.Phase, cfg Config) *harness {
	t.Helper()

	g, err := graph.Build(phases)
	require.NoError(t, err)
	waves, err := g.CalculateWaves()
	require.NoError(t, err)

	registry := locks.NewRegistry()
	coord, err := locks.NewCoordinator(registry, locks.CoordinatorConfig{
		LockDir:     filepath.Join(t.TempDir(), "locks"),
		LockTimeout: time.Second,
		RetryDelay:  5 * time.Millisecond,
		Resolution:  domain.ResolutionWait,
	}, ports.NopMetrics{}, zap.NewNop())
	require.NoError(t, err)

	if cfg.MaxAgentsPerWave <= 0 {
		cfg.MaxAgentsPerWave = 4
	}
	if cfg.PhaseTimeout <= 0 {
		cfg.PhaseTimeout = 2 * time.Second
	}
	cfg.HealthPollInterval = 5 * time.Millisecond

	runner := newFakeRunner()
	tracker := state.NewTracker(domain.NewExecutionState("exec-test"))
	exec := New(cfg, runner, coord, g, tracker, eventsmemory.NewBus(), ports.NopMetrics{}, zap.NewNop())

	return &harness{exec: exec, runner: runner, tracker: tracker, graph: g, waves: waves}
}

func execPhase(id string, deps ...string) domain.Phase {
	return domain.Phase{
		ID:           id,
		Name:         id,
		Dependencies: deps,
		Outputs:      []string{filepath.Join("out", id+".txt")},
	}
}

func TestExecuteWaveCompletesAllPhases(t *testing.T) {
	h := newHarness(t, []domain.Phase{
		execPhase("a"),
		execPhase("b"),
		execPhase("c", "a", "b"),
	}, Config{FailureStrategy: domain.FailureSkip})

	for _, wave := range h.waves {
		require.NoError(t, h.exec.ExecuteWave(context.Background(), "exec-test", wave))
		assert.Equal(t, domain.WaveCompleted, wave.Status)
	}

	snap := h.tracker.Snapshot()
	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, domain.PhaseCompleted, snap.PhaseStatusOf(id), id)
		assert.Equal(t, []string{id + ".out"}, snap.PhaseStates[id].OutputFiles)
	}
	assert.True(t, snap.IsComplete())
}

func TestSkipStrategyContinuesPastFailures(t *testing.T) {
	h := newHarness(t, []domain.Phase{
		execPhase("good"),
		execPhase("bad"),
	}, Config{FailureStrategy: domain.FailureSkip})
	h.runner.script("bad", domain.AgentError)

	require.NoError(t, h.exec.ExecuteWave(context.Background(), "exec-test", h.waves[0]))

	snap := h.tracker.Snapshot()
	assert.Equal(t, domain.PhaseCompleted, snap.PhaseStatusOf("good"))
	assert.Equal(t, domain.PhaseFailed, snap.PhaseStatusOf("bad"))
	assert.Contains(t, snap.PhaseStates["bad"].ErrorMessage, "scripted failure")
	assert.Equal(t, domain.WaveFailed, h.waves[0].Status)
	assert.Equal(t, 1, h.runner.spawnCount("bad"))
}

func TestRetryStrategyRerunsUntilSuccess(t *testing.T) {
	h := newHarness(t, []domain.Phase{
		execPhase("flaky"),
	}, Config{FailureStrategy: domain.FailureRetry, RetryLimit: 2})
	h.runner.script("flaky", domain.AgentError)
	h.runner.script("flaky", domain.AgentCompleted)

	require.NoError(t, h.exec.ExecuteWave(context.Background(), "exec-test", h.waves[0]))

	snap := h.tracker.Snapshot()
	assert.Equal(t, domain.PhaseCompleted, snap.PhaseStatusOf("flaky"))
	assert.Equal(t, 1, snap.PhaseStates["flaky"].RetryCount)
	assert.Equal(t, 2, h.runner.spawnCount("flaky"))
	assert.Equal(t, domain.WaveCompleted, h.waves[0].Status)
}

func TestRetryStrategyGivesUpAfterLimit(t *testing.T) {
	h := newHarness(t, []domain.Phase{
		execPhase("broken"),
	}, Config{FailureStrategy: domain.FailureRetry, RetryLimit: 1})
	h.runner.script("broken", domain.AgentError)
	h.runner.script("broken", domain.AgentError)
	h.runner.script("broken", domain.AgentError)

	require.NoError(t, h.exec.ExecuteWave(context.Background(), "exec-test", h.waves[0]))

	snap := h.tracker.Snapshot()
	assert.Equal(t, domain.PhaseFailed, snap.PhaseStatusOf("broken"))
	// Initial attempt plus one retry.
	assert.Equal(t, 2, h.runner.spawnCount("broken"))
}

func TestAbortAllCancelsRunningPhases(t *testing.T) {
	h := newHarness(t, []domain.Phase{
		execPhase("bad"),
		execPhase("slow"),
	}, Config{FailureStrategy: domain.FailureAbortAll, PhaseTimeout: 10 * time.Second})
	h.runner.script("bad", domain.AgentError)

	// slow stays working until the abort cancels it.
	working := make([]domain.AgentStatus, 0, 400)
	for i := 0; i < 400; i++ {
		working = append(working, domain.AgentWorking)
	}
	h.runner.script("slow", working...)

	err := h.exec.ExecuteWave(context.Background(), "exec-test", h.waves[0])
	require.ErrorIs(t, err, ErrAborted)

	snap := h.tracker.Snapshot()
	assert.Equal(t, domain.PhaseFailed, snap.PhaseStatusOf("bad"))
	assert.Equal(t, domain.PhaseCancelled, snap.PhaseStatusOf("slow"))
	assert.Equal(t, domain.WaveFailed, h.waves[0].Status)
}

func TestAbortWaveStopsWaveWithoutAbortingExecution(t *testing.T) {
	h := newHarness(t, []domain.Phase{
		execPhase("bad"),
		execPhase("slow"),
	}, Config{FailureStrategy: domain.FailureAbortWave, PhaseTimeout: 10 * time.Second})
	h.runner.script("bad", domain.AgentError)

	working := make([]domain.AgentStatus, 0, 400)
	for i := 0; i < 400; i++ {
		working = append(working, domain.AgentWorking)
	}
	h.runner.script("slow", working...)

	// abort_wave stops this wave but lets the execution move on.
	require.NoError(t, h.exec.ExecuteWave(context.Background(), "exec-test", h.waves[0]))

	snap := h.tracker.Snapshot()
	assert.Equal(t, domain.PhaseFailed, snap.PhaseStatusOf("bad"))
	assert.Equal(t, domain.PhaseCancelled, snap.PhaseStatusOf("slow"))
	assert.Equal(t, domain.WaveFailed, h.waves[0].Status)
}

func TestUnmetDependenciesFailDownstreamPhases(t *testing.T) {
	h := newHarness(t, []domain.Phase{
		execPhase("a"),
		execPhase("b", "a"),
	}, Config{FailureStrategy: domain.FailureSkip})
	h.runner.script("a", domain.AgentError)

	require.NoError(t, h.exec.ExecuteWave(context.Background(), "exec-test", h.waves[0]))
	require.NoError(t, h.exec.ExecuteWave(context.Background(), "exec-test", h.waves[1]))

	snap := h.tracker.Snapshot()
	assert.Equal(t, domain.PhaseFailed, snap.PhaseStatusOf("b"))
	assert.Contains(t, snap.PhaseStates["b"].ErrorMessage, "dependencies not satisfied")
	// b never consumed an agent.
	assert.Equal(t, 0, h.runner.spawnCount("b"))
}

func TestCompletedPhasesAreNotRerun(t *testing.T) {
	h := newHarness(t, []domain.Phase{
		execPhase("a"),
	}, Config{FailureStrategy: domain.FailureSkip})

	h.tracker.Update(func(s *domain.ExecutionState) {
		s.AddPhase("a")
		s.PhaseStates["a"].MarkStarted("agent-old")
		s.PhaseStates["a"].MarkCompleted([]string{"a.out"})
	})

	require.NoError(t, h.exec.ExecuteWave(context.Background(), "exec-test", h.waves[0]))

	assert.Equal(t, 0, h.runner.spawnCount("a"))
	assert.Equal(t, domain.WaveCompleted, h.waves[0].Status)
}

func TestPhaseTimeoutTerminatesAgent(t *testing.T) {
	h := newHarness(t, []domain.Phase{
		execPhase("stuck"),
	}, Config{FailureStrategy: domain.FailureSkip, PhaseTimeout: 30 * time.Millisecond})

	working := make([]domain.AgentStatus, 0, 400)
	for i := 0; i < 400; i++ {
		working = append(working, domain.AgentWorking)
	}
	h.runner.script("stuck", working...)

	require.NoError(t, h.exec.ExecuteWave(context.Background(), "exec-test", h.waves[0]))

	snap := h.tracker.Snapshot()
	assert.Equal(t, domain.PhaseFailed, snap.PhaseStatusOf("stuck"))
	assert.Contains(t, snap.PhaseStates["stuck"].ErrorMessage, "timed out")
}

func TestLocksReleasedAfterWave(t *testing.T) {
	h := newHarness(t, []domain.Phase{
		execPhase("a"),
		execPhase("b"),
	}, Config{FailureStrategy: domain.FailureSkip})

	require.NoError(t, h.exec.ExecuteWave(context.Background(), "exec-test", h.waves[0]))

	stats := h.exec.coord.GetStatistics()
	assert.Equal(t, 0, stats.Registry.TotalActiveLocks)
}
