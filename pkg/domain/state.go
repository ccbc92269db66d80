package domain

import "time"

// LogEntry is a single log line collected from an agent.
type LogEntry struct {
	Timestamp time.Time         `json:"timestamp"`
	Level     string            `json:"level"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// PhaseExecutionDetails is the per-phase runtime record. Records are
// created when a phase enters a wave and only ever transitioned, never
// deleted.
type PhaseExecutionDetails struct {
	PhaseID      string      `json:"phase_id"`
	Status       PhaseStatus `json:"status"`
	AgentID      string      `json:"agent_id,omitempty"`
	StartTime    *time.Time  `json:"start_time,omitempty"`
	EndTime      *time.Time  `json:"end_time,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
	RetryCount   int         `json:"retry_count"`
	OutputFiles  []string    `json:"output_files,omitempty"`
}

// MarkStarted transitions the phase to in_progress under the given agent.
func (d *PhaseExecutionDetails) MarkStarted(agentID string) {
	now := time.Now()
	d.Status = PhaseInProgress
	d.AgentID = agentID
	d.StartTime = &now
}

// MarkCompleted transitions the phase to completed and records outputs.
func (d *PhaseExecutionDetails) MarkCompleted(outputs []string) {
	now := time.Now()
	d.Status = PhaseCompleted
	d.EndTime = &now
	d.OutputFiles = append(d.OutputFiles, outputs...)
}

// MarkFailed transitions the phase to failed and bumps the retry count.
func (d *PhaseExecutionDetails) MarkFailed(errMsg string) {
	now := time.Now()
	d.Status = PhaseFailed
	d.EndTime = &now
	d.ErrorMessage = errMsg
	d.RetryCount++
}

// Duration returns the elapsed execution time, or zero if not finished.
func (d *PhaseExecutionDetails) Duration() time.Duration {
	if d.StartTime == nil || d.EndTime == nil {
		return 0
	}
	return d.EndTime.Sub(*d.StartTime)
}

// AgentInfo is the bookkeeping record for one worker subprocess. It is
// owned exclusively by the agent spawner; log entries are append-only.
type AgentInfo struct {
	AgentID       string      `json:"agent_id"`
	AssignedPhase string      `json:"assigned_phase,omitempty"`
	Status        AgentStatus `json:"status"`
	Logs          []LogEntry  `json:"logs,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	TerminatedAt  *time.Time  `json:"terminated_at,omitempty"`
}

// AddLog appends a log entry to the agent record.
func (a *AgentInfo) AddLog(level, message string) {
	a.Logs = append(a.Logs, LogEntry{
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
	})
}

// IsAvailable reports whether the agent can accept new work.
func (a *AgentInfo) IsAvailable() bool {
	return a.Status == AgentIdle || a.Status == AgentCompleted
}

// ConfigSnapshot is the subset of configuration captured into persisted
// state so a resumed run sees the options it started with.
type ConfigSnapshot struct {
	MaxParallelAgents  int             `json:"max_parallel_agents"`
	MaxAgentsPerWave   int             `json:"max_agents_per_wave"`
	PhaseTimeout       time.Duration   `json:"phase_timeout"`
	RetryLimit         int             `json:"retry_limit"`
	FailureStrategy    FailureStrategy `json:"failure_strategy"`
	LockTimeout        time.Duration   `json:"lock_timeout"`
	LockRetryCount     int             `json:"lock_retry_count"`
	CheckpointInterval time.Duration   `json:"checkpoint_interval"`
	DeadlockInterval   time.Duration   `json:"deadlock_check_interval"`
	ConflictResolution string          `json:"conflict_resolution"`
	InterWaveDelay     time.Duration   `json:"inter_wave_delay"`
}

// ExecutionState is the aggregate root tracked across a whole run and
// the only entity written to durable storage for crash recovery.
type ExecutionState struct {
	ExecutionID string                            `json:"execution_id"`
	PhaseStates map[string]*PhaseExecutionDetails `json:"phase_states"`
	Waves       []*ExecutionWave                  `json:"waves"`
	Agents      map[string]*AgentInfo             `json:"agents"`
	StartTime   *time.Time                        `json:"start_time,omitempty"`
	EndTime     *time.Time                        `json:"end_time,omitempty"`
	Config      ConfigSnapshot                    `json:"config"`
}

// NewExecutionState creates an empty state for a new execution.
func NewExecutionState(executionID string) *ExecutionState {
	return &ExecutionState{
		ExecutionID: executionID,
		PhaseStates: make(map[string]*PhaseExecutionDetails),
		Agents:      make(map[string]*AgentInfo),
	}
}

// AddPhase registers a phase for tracking if not already present.
func (s *ExecutionState) AddPhase(phaseID string) {
	if _, ok := s.PhaseStates[phaseID]; !ok {
		s.PhaseStates[phaseID] = &PhaseExecutionDetails{
			PhaseID: phaseID,
			Status:  PhaseNotStarted,
		}
	}
}

// PhaseStatusOf returns the status of a phase, or not_started if unknown.
func (s *ExecutionState) PhaseStatusOf(phaseID string) PhaseStatus {
	if d, ok := s.PhaseStates[phaseID]; ok {
		return d.Status
	}
	return PhaseNotStarted
}

// PhasesWithStatus returns the ids of all phases in the given status.
func (s *ExecutionState) PhasesWithStatus(status PhaseStatus) []string {
	var ids []string
	for id, d := range s.PhaseStates {
		if d.Status == status {
			ids = append(ids, id)
		}
	}
	return ids
}

// IsComplete reports whether every tracked phase reached a terminal state.
func (s *ExecutionState) IsComplete() bool {
	for _, d := range s.PhaseStates {
		if !d.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Progress returns overall completion as a percentage.
func (s *ExecutionState) Progress() float64 {
	if len(s.PhaseStates) == 0 {
		return 0
	}
	return float64(len(s.PhasesWithStatus(PhaseCompleted))) / float64(len(s.PhaseStates)) * 100
}
