package domain

// PhaseStatus represents the execution status of a phase.
type PhaseStatus string

const (
	PhaseNotStarted PhaseStatus = "not_started"
	PhaseQueued     PhaseStatus = "queued"
	PhaseInProgress PhaseStatus = "in_progress"
	PhaseCompleted  PhaseStatus = "completed"
	PhaseFailed     PhaseStatus = "failed"
	PhaseBlocked    PhaseStatus = "blocked"
	PhaseCancelled  PhaseStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s PhaseStatus) IsTerminal() bool {
	return s == PhaseCompleted || s == PhaseFailed || s == PhaseCancelled
}

// IsActive reports whether the phase is queued or currently executing.
func (s PhaseStatus) IsActive() bool {
	return s == PhaseQueued || s == PhaseInProgress
}

// AgentStatus represents the status of a worker subprocess.
type AgentStatus string

const (
	AgentIdle       AgentStatus = "idle"
	AgentAssigned   AgentStatus = "assigned"
	AgentWorking    AgentStatus = "working"
	AgentCompleted  AgentStatus = "completed"
	AgentError      AgentStatus = "error"
	AgentTerminated AgentStatus = "terminated"
)

// WaveStatus represents the lifecycle status of an execution wave.
type WaveStatus string

const (
	WavePending    WaveStatus = "pending"
	WaveInProgress WaveStatus = "in_progress"
	WaveCompleted  WaveStatus = "completed"
	WaveFailed     WaveStatus = "failed"
)

// Mode selects the top-level orchestrator behavior.
type Mode string

const (
	ModeNormal   Mode = "normal"
	ModeResume   Mode = "resume"
	ModeDryRun   Mode = "dry_run"
	ModeValidate Mode = "validate"
)

// FailureStrategy controls what happens after a phase exhausts its retries.
type FailureStrategy string

const (
	FailureRetry     FailureStrategy = "retry"
	FailureSkip      FailureStrategy = "skip"
	FailureAbortWave FailureStrategy = "abort_wave"
	FailureAbortAll  FailureStrategy = "abort_all"
)
