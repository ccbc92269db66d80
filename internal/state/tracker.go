package state

import (
	"encoding/json"
	"sync"

	"github.com/maxxentropy/claudeops/pkg/domain"
)

// Tracker serializes access to a live ExecutionState shared between the
// executor goroutines, the checkpoint loop and progress queries.
type Tracker struct {
	mu    sync.Mutex
	state *domain.ExecutionState
}

// NewTracker wraps a state. The caller must not touch the state directly
// afterwards.
func NewTracker(state *domain.ExecutionState) *Tracker {
	return &Tracker{state: state}
}

// Update runs fn with exclusive access to the state.
func (t *Tracker) Update(fn func(*domain.ExecutionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(t.state)
}

// Snapshot returns a deep copy safe to persist or serve while execution
// continues.
func (t *Tracker) Snapshot() *domain.ExecutionState {
	t.mu.Lock()
	defer t.mu.Unlock()

	data, err := json.Marshal(t.state)
	if err != nil {
		return nil
	}
	var cp domain.ExecutionState
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil
	}
	if cp.PhaseStates == nil {
		cp.PhaseStates = make(map[string]*domain.PhaseExecutionDetails)
	}
	if cp.Agents == nil {
		cp.Agents = make(map[string]*domain.AgentInfo)
	}
	return &cp
}

// PhaseStatusOf returns the current status of a phase.
func (t *Tracker) PhaseStatusOf(phaseID string) domain.PhaseStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state.PhaseStatusOf(phaseID)
}
