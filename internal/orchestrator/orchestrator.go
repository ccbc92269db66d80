package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maxxentropy/claudeops/internal/config"
	"github.com/maxxentropy/claudeops/internal/executor"
	"github.com/maxxentropy/claudeops/internal/graph"
	"github.com/maxxentropy/claudeops/internal/locks"
	"github.com/maxxentropy/claudeops/internal/state"
	"github.com/maxxentropy/claudeops/pkg/domain"
	"github.com/maxxentropy/claudeops/pkg/ports"
)

// ErrAlreadyRunning is returned when an execution is submitted while
// another one is in flight.
var ErrAlreadyRunning = errors.New("execution already running")

// ErrNotRunning is returned by controls that require a live execution.
var ErrNotRunning = errors.New("no execution running")

// pausePollInterval is how often a paused wave loop rechecks.
const pausePollInterval = 200 * time.Millisecond

// Orchestrator coordinates a single execution at a time.
type Orchestrator struct {
	cfg      *config.Config
	logger   *zap.Logger
	runner   ports.AgentRunner
	coord    *locks.Coordinator
	stateMgr *state.Manager
	bus      ports.EventBus
	metrics  ports.MetricsCollector

	mu          sync.Mutex
	running     bool
	paused      bool
	stopping    bool
	cancel      context.CancelFunc
	tracker     *state.Tracker
	waves       []*domain.ExecutionWave
	currentWave int
	executionID string
	startTime   time.Time
	lastResult  *domain.ExecutionResult
}

// New creates an orchestrator over already-constructed collaborators.
func New(cfg *config.Config, runner ports.AgentRunner, coord *locks.Coordinator, stateMgr *state.Manager, bus ports.EventBus, metrics ports.MetricsCollector, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		runner:   runner,
		coord:    coord,
		stateMgr: stateMgr,
		bus:      bus,
		metrics:  metrics,
	}
}

// ExecuteProject runs the phases under the given mode and returns a
// terminal report. Validate and dry-run never spawn agents or write
// state; normal and resume run waves to completion.
func (o *Orchestrator) ExecuteProject(ctx context.Context, phases []domain.Phase, mode domain.Mode) (*domain.ExecutionResult, error) {
	start := time.Now()

	g, err := graph.Build(phases)
	if err != nil {
		return failedResult(mode, start, len(phases), err), err
	}

	issues := g.Validate()
	if mode == domain.ModeValidate {
		return o.validateResult(start, g, issues), nil
	}
	if graph.HasBlockingIssues(issues) {
		err := fmt.Errorf("dependency graph has blocking issues")
		result := failedResult(mode, start, len(phases), err)
		for _, issue := range issues {
			if issue.IsBlocking() {
				result.Errors = append(result.Errors, issue.Message)
			}
		}
		return result, err
	}

	waves, err := g.CalculateWaves()
	if err != nil {
		return failedResult(mode, start, len(phases), err), err
	}
	waves = g.OptimizeWaveDistribution(waves, o.cfg.Execution.MaxAgentsPerWave)

	if mode == domain.ModeDryRun {
		return o.dryRunResult(start, g, waves), nil
	}

	return o.run(ctx, g, waves, mode, start)
}

// Pause suspends wave progression after in-flight phases finish.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return ErrNotRunning
	}
	o.paused = true
	o.logger.Info("execution paused", zap.String("execution_id", o.executionID))
	return nil
}

// Resume lifts a pause.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return ErrNotRunning
	}
	o.paused = false
	o.logger.Info("execution resumed", zap.String("execution_id", o.executionID))
	return nil
}

// Stop requests a graceful shutdown of the current execution: running
// agents are terminated, remaining phases are cancelled, state is
// checkpointed.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return ErrNotRunning
	}
	o.stopping = true
	o.paused = false
	if o.cancel != nil {
		o.cancel()
	}
	o.logger.Info("execution stop requested", zap.String("execution_id", o.executionID))
	return nil
}

// IsRunning reports whether an execution is in flight.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// LastResult returns the most recent terminal result, if any.
func (o *Orchestrator) LastResult() *domain.ExecutionResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastResult
}

// GetProgress reports the live status of the current execution.
func (o *Orchestrator) GetProgress() (*domain.ProgressReport, error) {
	o.mu.Lock()
	tracker := o.tracker
	waves := o.waves
	currentWave := o.currentWave
	startTime := o.startTime
	o.mu.Unlock()

	if tracker == nil {
		return nil, ErrNotRunning
	}
	snapshot := tracker.Snapshot()
	if snapshot == nil {
		return nil, ErrNotRunning
	}

	report := &domain.ProgressReport{
		CurrentWave:     currentWave,
		TotalWaves:      len(waves),
		PhasesTotal:     len(snapshot.PhaseStates),
		ActiveAgents:    len(o.runner.ActiveAgents()),
		PercentComplete: snapshot.Progress(),
		PhaseStatus:     make(map[string]domain.PhaseStatus, len(snapshot.PhaseStates)),
	}
	for id, details := range snapshot.PhaseStates {
		report.PhaseStatus[id] = details.Status
		if details.Status == domain.PhaseCompleted {
			report.PhasesCompleted++
		}
	}

	// ETA extrapolates observed per-phase throughput over the remainder.
	if report.PhasesCompleted > 0 {
		elapsed := time.Since(startTime).Seconds()
		perPhase := elapsed / float64(report.PhasesCompleted)
		report.ETASeconds = perPhase * float64(report.PhasesTotal-report.PhasesCompleted)
	}

	return report, nil
}

// ExecutionState returns a snapshot of the tracked state, or nil when no
// execution has run.
func (o *Orchestrator) ExecutionState() *domain.ExecutionState {
	o.mu.Lock()
	tracker := o.tracker
	o.mu.Unlock()
	if tracker == nil {
		return nil
	}
	return tracker.Snapshot()
}

func (o *Orchestrator) run(ctx context.Context, g *graph.Graph, waves []*domain.ExecutionWave, mode domain.Mode, start time.Time) (*domain.ExecutionResult, error) {
	st, err := o.prepareState(g, waves, mode)
	if err != nil {
		return failedResult(mode, start, g.Len(), err), err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil, ErrAlreadyRunning
	}
	o.running = true
	o.paused = false
	o.stopping = false
	o.cancel = cancel
	o.tracker = state.NewTracker(st)
	o.waves = waves
	o.currentWave = 0
	o.executionID = st.ExecutionID
	o.startTime = start
	tracker := o.tracker
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.running = false
		o.cancel = nil
		o.mu.Unlock()
	}()

	// Earlier phases unblock more downstream work; give them preemption
	// priority proportional to their dependent count.
	for _, id := range g.PhaseIDs() {
		o.coord.SetPhasePriority(id, len(g.Dependents(id)))
	}

	o.metrics.RecordExecutionStarted(string(mode))
	o.publish(ports.EventExecutionStarted, st.ExecutionID, map[string]interface{}{
		"mode":        string(mode),
		"total_waves": len(waves),
	})
	o.logger.Info("execution started",
		zap.String("execution_id", st.ExecutionID),
		zap.String("mode", string(mode)),
		zap.Int("phases", g.Len()),
		zap.Int("waves", len(waves)))

	o.stateMgr.StartCheckpointing(tracker.Snapshot)
	defer o.stateMgr.Stop()

	exec := executor.New(executor.Config{
		MaxAgentsPerWave:   o.cfg.Execution.MaxAgentsPerWave,
		PhaseTimeout:       o.cfg.Execution.PhaseTimeout,
		RetryLimit:         o.cfg.Execution.RetryLimit,
		FailureStrategy:    domain.FailureStrategy(o.cfg.Execution.FailureStrategy),
		HealthPollInterval: o.cfg.Execution.HealthPollInterval,
	}, o.runner, o.coord, g, tracker, o.bus, o.metrics, o.logger)

	var execErr error
	for i, wave := range waves {
		if wave.Status == domain.WaveCompleted {
			o.logger.Info("skipping completed wave", zap.Int("wave_number", wave.Number))
			continue
		}

		if stopped := o.waitWhilePaused(runCtx); stopped {
			break
		}

		o.mu.Lock()
		o.currentWave = i
		o.mu.Unlock()

		execErr = exec.ExecuteWave(runCtx, st.ExecutionID, wave)
		if err := o.stateMgr.Save(tracker.Snapshot()); err != nil {
			o.logger.Error("checkpoint after wave failed", zap.Error(err))
		}
		if execErr != nil {
			break
		}

		if i < len(waves)-1 && o.cfg.Execution.InterWaveDelay > 0 {
			select {
			case <-runCtx.Done():
			case <-time.After(o.cfg.Execution.InterWaveDelay):
			}
		}
	}

	o.runner.TerminateAll(true)
	o.cancelRemaining(tracker)

	end := time.Now()
	result := o.buildResult(mode, start, end, tracker.Snapshot(), waves)
	if execErr != nil && !errors.Is(execErr, executor.ErrAborted) && !errors.Is(execErr, context.Canceled) {
		result.Errors = append(result.Errors, execErr.Error())
	}

	tracker.Update(func(s *domain.ExecutionState) {
		s.EndTime = &end
	})
	if err := o.stateMgr.Save(tracker.Snapshot()); err != nil {
		o.logger.Error("final checkpoint failed", zap.Error(err))
	}

	status := "completed"
	if !result.Success {
		status = "failed"
	}
	o.metrics.RecordExecutionCompleted(status, result.Duration)
	o.publish(ports.EventExecutionCompleted, st.ExecutionID, map[string]interface{}{
		"status":           status,
		"completed_phases": result.CompletedPhases,
		"failed_phases":    result.FailedPhases,
		"duration":         result.Duration.String(),
	})
	o.logger.Info("execution finished",
		zap.String("execution_id", st.ExecutionID),
		zap.String("status", status),
		zap.Int("completed", result.CompletedPhases),
		zap.Int("failed", result.FailedPhases),
		zap.Duration("duration", result.Duration))

	o.mu.Lock()
	o.lastResult = result
	o.mu.Unlock()

	if errors.Is(execErr, executor.ErrAborted) {
		return result, execErr
	}
	return result, nil
}

// prepareState creates fresh state for normal runs or recovers and
// reconciles persisted state for resume.
func (o *Orchestrator) prepareState(g *graph.Graph, waves []*domain.ExecutionWave, mode domain.Mode) (*domain.ExecutionState, error) {
	now := time.Now()

	if mode == domain.ModeResume {
		st, err := o.stateMgr.RecoverFromCrash()
		if err != nil {
			return nil, fmt.Errorf("resume failed: %w", err)
		}
		// The graph may have changed since the crash; track any phase
		// it introduces and rebuild wave bookkeeping from phase states.
		for _, id := range g.PhaseIDs() {
			st.AddPhase(id)
		}
		for _, wave := range waves {
			done := true
			for _, phaseID := range wave.Phases {
				if st.PhaseStatusOf(phaseID) != domain.PhaseCompleted {
					done = false
					break
				}
			}
			if done {
				wave.Status = domain.WaveCompleted
			}
		}
		st.Waves = waves
		st.Config = o.cfg.Snapshot()
		return st, nil
	}

	st := domain.NewExecutionState("exec-" + uuid.NewString())
	st.StartTime = &now
	st.Waves = waves
	st.Config = o.cfg.Snapshot()
	for _, id := range g.PhaseIDs() {
		st.AddPhase(id)
	}
	return st, nil
}

// waitWhilePaused blocks between waves while paused. Returns true when
// the execution should stop instead of continuing.
func (o *Orchestrator) waitWhilePaused(ctx context.Context) bool {
	for {
		o.mu.Lock()
		paused := o.paused
		stopping := o.stopping
		o.mu.Unlock()

		if stopping || ctx.Err() != nil {
			return true
		}
		if !paused {
			return false
		}

		select {
		case <-ctx.Done():
			return true
		case <-time.After(pausePollInterval):
		}
	}
}

// cancelRemaining marks every non-terminal phase cancelled after the
// wave loop ends, so a stopped run leaves no phase dangling.
func (o *Orchestrator) cancelRemaining(tracker *state.Tracker) {
	tracker.Update(func(s *domain.ExecutionState) {
		for _, details := range s.PhaseStates {
			if !details.Status.IsTerminal() {
				details.Status = domain.PhaseCancelled
			}
		}
	})
}

func (o *Orchestrator) buildResult(mode domain.Mode, start, end time.Time, st *domain.ExecutionState, waves []*domain.ExecutionWave) *domain.ExecutionResult {
	result := &domain.ExecutionResult{
		Mode:         mode,
		StartTime:    start,
		EndTime:      end,
		Duration:     end.Sub(start),
		TotalPhases:  len(st.PhaseStates),
		PhaseResults: make(map[string]domain.PhaseResult, len(st.PhaseStates)),
	}

	for id, details := range st.PhaseStates {
		result.PhaseResults[id] = domain.PhaseResult{
			Status:     details.Status,
			Duration:   details.Duration(),
			Error:      details.ErrorMessage,
			Outputs:    details.OutputFiles,
			RetryCount: details.RetryCount,
		}
		switch details.Status {
		case domain.PhaseCompleted:
			result.CompletedPhases++
		case domain.PhaseFailed:
			result.FailedPhases++
			if details.ErrorMessage != "" {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", id, details.ErrorMessage))
			}
		}
	}

	for _, wave := range waves {
		if wave.IsComplete() {
			result.WavesExecuted++
		}
	}

	result.Success = result.CompletedPhases == result.TotalPhases
	return result
}

// validateResult reports graph health without executing anything.
func (o *Orchestrator) validateResult(start time.Time, g *graph.Graph, issues []graph.Issue) *domain.ExecutionResult {
	end := time.Now()
	result := &domain.ExecutionResult{
		Mode:        domain.ModeValidate,
		StartTime:   start,
		EndTime:     end,
		Duration:    end.Sub(start),
		TotalPhases: g.Len(),
		Success:     !graph.HasBlockingIssues(issues),
	}
	for _, issue := range issues {
		result.Errors = append(result.Errors, fmt.Sprintf("[%s] %s", issue.Severity, issue.Message))
	}

	o.logger.Info("validation finished",
		zap.Int("phases", g.Len()),
		zap.Int("issues", len(issues)),
		zap.Bool("ok", result.Success))
	return result
}

// dryRunResult logs the execution plan and reports it without side
// effects.
func (o *Orchestrator) dryRunResult(start time.Time, g *graph.Graph, waves []*domain.ExecutionWave) *domain.ExecutionResult {
	for _, wave := range waves {
		o.logger.Info("planned wave",
			zap.Int("wave_number", wave.Number),
			zap.Strings("phases", wave.Phases))
	}
	criticalPath, pathDuration := g.CriticalPath()
	o.logger.Info("execution plan",
		zap.Int("waves", len(waves)),
		zap.Strings("critical_path", criticalPath),
		zap.Duration("critical_path_duration", pathDuration),
		zap.Duration("estimated_total", g.EstimateTotalTime(waves)))

	end := time.Now()
	return &domain.ExecutionResult{
		Mode:        domain.ModeDryRun,
		StartTime:   start,
		EndTime:     end,
		Duration:    end.Sub(start),
		TotalPhases: g.Len(),
		Success:     true,
	}
}

func (o *Orchestrator) publish(eventType ports.EventType, executionID string, data map[string]interface{}) {
	event := ports.Event{
		ID:          uuid.NewString(),
		Type:        eventType,
		ExecutionID: executionID,
		Timestamp:   time.Now(),
		Data:        data,
	}
	if err := o.bus.Publish(context.Background(), ports.TopicExecution, event); err != nil {
		o.logger.Warn("event publish failed",
			zap.String("event_type", string(eventType)), zap.Error(err))
	}
}

func failedResult(mode domain.Mode, start time.Time, totalPhases int, err error) *domain.ExecutionResult {
	end := time.Now()
	return &domain.ExecutionResult{
		Mode:        mode,
		StartTime:   start,
		EndTime:     end,
		Duration:    end.Sub(start),
		TotalPhases: totalPhases,
		Errors:      []string{err.Error()},
	}
}
