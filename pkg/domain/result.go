package domain

import "time"

// PhaseResult summarizes the terminal outcome of one phase.
type PhaseResult struct {
	Status     PhaseStatus   `json:"status"`
	Duration   time.Duration `json:"duration"`
	Error      string        `json:"error,omitempty"`
	Outputs    []string      `json:"outputs,omitempty"`
	RetryCount int           `json:"retry_count"`
}

// ExecutionResult is the terminal report returned for every run,
// including DRY_RUN and VALIDATE, which return the same shape with no
// side effects.
type ExecutionResult struct {
	Success         bool                   `json:"success"`
	Mode            Mode                   `json:"mode"`
	StartTime       time.Time              `json:"start_time"`
	EndTime         time.Time              `json:"end_time"`
	TotalPhases     int                    `json:"total_phases"`
	CompletedPhases int                    `json:"completed_phases"`
	FailedPhases    int                    `json:"failed_phases"`
	WavesExecuted   int                    `json:"waves_executed"`
	Duration        time.Duration          `json:"duration"`
	PhaseResults    map[string]PhaseResult `json:"phase_results,omitempty"`
	Errors          []string               `json:"errors,omitempty"`
}

// ProgressReport is a point-in-time view of a running execution.
type ProgressReport struct {
	CurrentWave     int                    `json:"current_wave"`
	TotalWaves      int                    `json:"total_waves"`
	PercentComplete float64                `json:"percent_complete"`
	PhasesCompleted int                    `json:"phases_completed"`
	PhasesTotal     int                    `json:"phases_total"`
	ActiveAgents    int                    `json:"active_agents"`
	ETASeconds      float64                `json:"eta_seconds"`
	PhaseStatus     map[string]PhaseStatus `json:"phase_status"`
}
