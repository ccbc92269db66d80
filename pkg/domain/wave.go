package domain

import "time"

// ExecutionWave is a batch of phases that are safe to run concurrently
// because none of them depends on another phase in the batch. Waves are
// produced by the scheduler and mutated by the executor as phases finish.
type ExecutionWave struct {
	Number    int        `json:"wave_number"`
	Phases    []string   `json:"phases"`
	Status    WaveStatus `json:"status"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

// NewWave creates a pending wave with the given number and phase ids.
func NewWave(number int, phases []string) *ExecutionWave {
	return &ExecutionWave{
		Number: number,
		Phases: phases,
		Status: WavePending,
	}
}

// IsComplete reports whether the wave reached a terminal status.
func (w *ExecutionWave) IsComplete() bool {
	return w.Status == WaveCompleted || w.Status == WaveFailed
}
