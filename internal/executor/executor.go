package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maxxentropy/claudeops/internal/agent"
	"github.com/maxxentropy/claudeops/internal/graph"
	"github.com/maxxentropy/claudeops/internal/locks"
	"github.com/maxxentropy/claudeops/internal/state"
	"github.com/maxxentropy/claudeops/pkg/domain"
	"github.com/maxxentropy/claudeops/pkg/ports"
)

// ErrAborted is returned by ExecuteWave when the abort_all failure
// strategy fired and the whole execution must stop.
var ErrAborted = errors.New("execution aborted")

// Config controls per-wave execution.
type Config struct {
	MaxAgentsPerWave   int
	PhaseTimeout       time.Duration
	RetryLimit         int
	FailureStrategy    domain.FailureStrategy
	HealthPollInterval time.Duration
}

// failureAction is the executor's reaction to a failed phase attempt.
type failureAction int

const (
	actionRetry failureAction = iota
	actionSkip
	actionAbortWave
	actionAbortAll
)

// WaveExecutor executes the phases of a wave concurrently, bounded by
// MaxAgentsPerWave. Phase state transitions flow through the shared
// tracker so checkpoints always see a consistent view.
type WaveExecutor struct {
	cfg     Config
	runner  ports.AgentRunner
	coord   *locks.Coordinator
	graph   *graph.Graph
	tracker *state.Tracker
	bus     ports.EventBus
	metrics ports.MetricsCollector
	logger  *zap.Logger
}

// New creates a wave executor.
func New(cfg Config, runner ports.AgentRunner, coord *locks.Coordinator, g *graph.Graph, tracker *state.Tracker, bus ports.EventBus, metrics ports.MetricsCollector, logger *zap.Logger) *WaveExecutor {
	if cfg.HealthPollInterval <= 0 {
		cfg.HealthPollInterval = 2 * time.Second
	}
	return &WaveExecutor{
		cfg:     cfg,
		runner:  runner,
		coord:   coord,
		graph:   g,
		tracker: tracker,
		bus:     bus,
		metrics: metrics,
		logger:  logger,
	}
}

// ExecuteWave runs every phase of the wave to a terminal status. It
// returns nil even when phases failed under the skip strategy; only an
// abort_all outcome or context cancellation surfaces as an error.
func (e *WaveExecutor) ExecuteWave(ctx context.Context, executionID string, wave *domain.ExecutionWave) error {
	waveStart := time.Now()
	e.tracker.Update(func(*domain.ExecutionState) {
		wave.Status = domain.WaveInProgress
		wave.StartTime = &waveStart
	})
	e.publish(ports.EventWaveStarted, executionID, "", map[string]interface{}{
		"wave_number": wave.Number,
		"phases":      wave.Phases,
	})
	e.logger.Info("wave started",
		zap.String("execution_id", executionID),
		zap.Int("wave_number", wave.Number),
		zap.Int("phase_count", len(wave.Phases)))

	runnable := e.partitionRunnable(wave)

	waveCtx, cancelWave := context.WithCancel(ctx)
	defer cancelWave()

	var abortAll bool
	var abortMu sync.Mutex
	abort := func(all bool) {
		abortMu.Lock()
		if all {
			abortAll = true
		}
		abortMu.Unlock()
		cancelWave()
	}

	sem := make(chan struct{}, e.cfg.MaxAgentsPerWave)
	var wg sync.WaitGroup
	for _, phaseID := range runnable {
		phase, ok := e.graph.Phase(phaseID)
		if !ok {
			continue
		}

		wg.Add(1)
		go func(phase domain.Phase) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-waveCtx.Done():
				e.markCancelled(phase.ID)
				return
			}

			e.runPhase(waveCtx, executionID, phase, abort)
		}(phase)
	}
	wg.Wait()

	abortMu.Lock()
	aborted := abortAll
	abortMu.Unlock()

	waveEnd := time.Now()
	status := domain.WaveCompleted
	e.tracker.Update(func(s *domain.ExecutionState) {
		for _, phaseID := range wave.Phases {
			if s.PhaseStatusOf(phaseID) != domain.PhaseCompleted {
				status = domain.WaveFailed
				break
			}
		}
		wave.Status = status
		wave.EndTime = &waveEnd
	})

	e.metrics.RecordWaveCompleted(string(status), waveEnd.Sub(waveStart))
	e.publish(ports.EventWaveCompleted, executionID, "", map[string]interface{}{
		"wave_number": wave.Number,
		"status":      string(status),
	})
	e.logger.Info("wave finished",
		zap.Int("wave_number", wave.Number),
		zap.String("status", string(status)),
		zap.Duration("duration", waveEnd.Sub(waveStart)))

	if aborted {
		return fmt.Errorf("wave %d: %w", wave.Number, ErrAborted)
	}
	return ctx.Err()
}

// partitionRunnable splits the wave into phases whose dependencies all
// completed and phases that must fail immediately because an upstream
// phase did not complete.
func (e *WaveExecutor) partitionRunnable(wave *domain.ExecutionWave) []string {
	var runnable []string
	e.tracker.Update(func(s *domain.ExecutionState) {
		for _, phaseID := range wave.Phases {
			if s.PhaseStatusOf(phaseID) == domain.PhaseCompleted {
				// Already done on a previous run; nothing to do.
				continue
			}

			unmet := ""
			for _, dep := range e.graph.Dependencies(phaseID) {
				if s.PhaseStatusOf(dep) != domain.PhaseCompleted {
					unmet = dep
					break
				}
			}
			if unmet != "" {
				s.AddPhase(phaseID)
				details := s.PhaseStates[phaseID]
				details.Status = domain.PhaseFailed
				details.ErrorMessage = fmt.Sprintf("dependencies not satisfied: %s did not complete", unmet)
				e.logger.Warn("phase blocked by failed dependency",
					zap.String("phase_id", phaseID),
					zap.String("dependency", unmet))
				continue
			}
			runnable = append(runnable, phaseID)
		}
	})
	return runnable
}

// runPhase drives one phase through attempts until it reaches a terminal
// status or the failure strategy stops the wave.
func (e *WaveExecutor) runPhase(ctx context.Context, executionID string, phase domain.Phase, abort func(all bool)) {
	for {
		err := e.attemptPhase(ctx, executionID, phase)
		if err == nil {
			return
		}
		if ctx.Err() != nil {
			e.markCancelled(phase.ID)
			return
		}

		switch e.nextAction(phase.ID) {
		case actionRetry:
			e.metrics.RecordPhaseRetry(phase.ID)
			e.logger.Info("retrying phase",
				zap.String("phase_id", phase.ID), zap.Error(err))
		case actionSkip:
			e.logger.Warn("phase failed, continuing wave",
				zap.String("phase_id", phase.ID), zap.Error(err))
			return
		case actionAbortWave:
			e.logger.Error("phase failed, aborting wave",
				zap.String("phase_id", phase.ID), zap.Error(err))
			abort(false)
			return
		case actionAbortAll:
			e.logger.Error("phase failed, aborting execution",
				zap.String("phase_id", phase.ID), zap.Error(err))
			abort(true)
			return
		}
	}
}

// attemptPhase performs one acquisition-spawn-supervise cycle. On error
// the phase has already been marked failed.
func (e *WaveExecutor) attemptPhase(ctx context.Context, executionID string, phase domain.Phase) error {
	e.tracker.Update(func(s *domain.ExecutionState) {
		s.AddPhase(phase.ID)
		s.PhaseStates[phase.ID].Status = domain.PhaseQueued
	})

	if _, err := e.coord.AcquireResources(ctx, phase.ID, phase.Outputs, nil); err != nil {
		if ctx.Err() != nil {
			e.markCancelled(phase.ID)
			return err
		}
		e.failPhase(executionID, phase.ID, fmt.Sprintf("resource acquisition failed: %v", err))
		return err
	}
	defer e.coord.ReleasePhaseResources(phase.ID)

	agentID, err := e.spawnWithBackoff(ctx, phase)
	if err != nil {
		if ctx.Err() != nil {
			e.markCancelled(phase.ID)
			return err
		}
		e.failPhase(executionID, phase.ID, fmt.Sprintf("agent spawn failed: %v", err))
		return err
	}

	start := time.Now()
	e.tracker.Update(func(s *domain.ExecutionState) {
		s.PhaseStates[phase.ID].MarkStarted(agentID)
		s.Agents[agentID] = &domain.AgentInfo{
			AgentID:       agentID,
			AssignedPhase: phase.ID,
			Status:        domain.AgentWorking,
			CreatedAt:     start,
		}
	})
	e.metrics.SetActiveAgents(len(e.runner.ActiveAgents()))
	e.publish(ports.EventPhaseStarted, executionID, phase.ID, map[string]interface{}{
		"agent_id": agentID,
	})

	err = e.supervise(ctx, phase, agentID)
	duration := time.Since(start)
	e.metrics.SetActiveAgents(len(e.runner.ActiveAgents()))

	if err != nil {
		if ctx.Err() != nil {
			// The wave was cut short; this is a cancellation, not a
			// failure of the phase itself.
			e.markCancelled(phase.ID)
			return err
		}
		e.failPhase(executionID, phase.ID, err.Error())
		e.metrics.RecordPhaseExecuted(string(domain.PhaseFailed), duration)
		return err
	}

	outputs := e.runner.CollectOutputs(agentID)
	e.tracker.Update(func(s *domain.ExecutionState) {
		s.PhaseStates[phase.ID].MarkCompleted(outputs)
		if info, ok := s.Agents[agentID]; ok {
			info.Status = domain.AgentCompleted
		}
	})
	e.metrics.RecordPhaseExecuted(string(domain.PhaseCompleted), duration)
	e.publish(ports.EventPhaseCompleted, executionID, phase.ID, map[string]interface{}{
		"agent_id": agentID,
		"duration": duration.String(),
		"outputs":  outputs,
	})
	e.logger.Info("phase completed",
		zap.String("phase_id", phase.ID),
		zap.String("agent_id", agentID),
		zap.Duration("duration", duration))
	return nil
}

// spawnWithBackoff retries spawning while the global agent limit is
// saturated by other waves' stragglers.
func (e *WaveExecutor) spawnWithBackoff(ctx context.Context, phase domain.Phase) (string, error) {
	for {
		agentID, err := e.runner.Spawn(ctx, phase)
		if err == nil {
			return agentID, nil
		}
		if !isAgentLimit(err) {
			return "", err
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(e.cfg.HealthPollInterval):
		}
	}
}

// supervise polls agent health until the agent finishes, errors out, or
// the phase timeout elapses. The timer is the phase's, not the poll's.
func (e *WaveExecutor) supervise(ctx context.Context, phase domain.Phase, agentID string) error {
	deadline := time.Now().Add(e.cfg.PhaseTimeout)
	ticker := time.NewTicker(e.cfg.HealthPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = e.runner.Terminate(agentID, true)
			return ctx.Err()
		case <-ticker.C:
		}

		status, err := e.runner.CheckHealth(agentID)
		if err != nil {
			return fmt.Errorf("health check for agent %s: %w", agentID, err)
		}

		switch status {
		case domain.AgentCompleted:
			return nil
		case domain.AgentError, domain.AgentTerminated:
			return fmt.Errorf("agent %s failed: %s", agentID, e.failureReason(agentID))
		}

		if e.cfg.PhaseTimeout > 0 && time.Now().After(deadline) {
			_ = e.runner.Terminate(agentID, true)
			return fmt.Errorf("phase %s timed out after %s", phase.ID, e.cfg.PhaseTimeout)
		}
	}
}

// nextAction consults the failure strategy and the retry budget already
// consumed by the phase.
func (e *WaveExecutor) nextAction(phaseID string) failureAction {
	retries := 0
	e.tracker.Update(func(s *domain.ExecutionState) {
		if details, ok := s.PhaseStates[phaseID]; ok {
			retries = details.RetryCount
		}
	})

	switch e.cfg.FailureStrategy {
	case domain.FailureRetry:
		if retries <= e.cfg.RetryLimit {
			return actionRetry
		}
		return actionSkip
	case domain.FailureSkip:
		return actionSkip
	case domain.FailureAbortWave:
		return actionAbortWave
	case domain.FailureAbortAll:
		return actionAbortAll
	default:
		return actionSkip
	}
}

func (e *WaveExecutor) failPhase(executionID, phaseID, reason string) {
	e.tracker.Update(func(s *domain.ExecutionState) {
		s.AddPhase(phaseID)
		details := s.PhaseStates[phaseID]
		details.MarkFailed(reason)
		if details.AgentID != "" {
			if info, ok := s.Agents[details.AgentID]; ok && info.Status == domain.AgentWorking {
				info.Status = domain.AgentError
			}
		}
	})
	e.publish(ports.EventPhaseFailed, executionID, phaseID, map[string]interface{}{
		"error": reason,
	})
}

// markCancelled moves a phase that never reached a terminal status to
// cancelled, for waves cut short by an abort or a stop.
func (e *WaveExecutor) markCancelled(phaseID string) {
	e.tracker.Update(func(s *domain.ExecutionState) {
		s.AddPhase(phaseID)
		details := s.PhaseStates[phaseID]
		if !details.Status.IsTerminal() {
			details.Status = domain.PhaseCancelled
		}
	})
}

func (e *WaveExecutor) failureReason(agentID string) string {
	if fr, ok := e.runner.(interface{ FailureReason(string) string }); ok {
		if reason := fr.FailureReason(agentID); reason != "" {
			return reason
		}
	}
	return "agent reported failure"
}

func (e *WaveExecutor) publish(eventType ports.EventType, executionID, phaseID string, data map[string]interface{}) {
	event := ports.Event{
		ID:          uuid.NewString(),
		Type:        eventType,
		ExecutionID: executionID,
		PhaseID:     phaseID,
		Timestamp:   time.Now(),
		Data:        data,
	}
	if err := e.bus.Publish(context.Background(), ports.TopicExecution, event); err != nil {
		e.logger.Warn("event publish failed",
			zap.String("event_type", string(eventType)), zap.Error(err))
	}
}

func isAgentLimit(err error) bool {
	return errors.Is(err, agent.ErrAgentLimit)
}
