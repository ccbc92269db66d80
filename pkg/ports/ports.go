package ports

import (
	"context"
	"time"

	"github.com/maxxentropy/claudeops/pkg/domain"
)

// StateStore mirrors execution-state checkpoints to a secondary store.
// The file-based state manager remains the durable source of truth; stores
// implementing this interface serve dashboards and tests.
type StateStore interface {
	SaveState(ctx context.Context, state *domain.ExecutionState) error
	GetState(ctx context.Context, executionID string) (*domain.ExecutionState, error)
	DeleteState(ctx context.Context, executionID string) error
	ListStates(ctx context.Context) ([]string, error)
}

// MetricsCollector records orchestration metrics.
type MetricsCollector interface {
	RecordExecutionStarted(mode string)
	RecordExecutionCompleted(status string, duration time.Duration)
	RecordPhaseExecuted(status string, duration time.Duration)
	RecordPhaseRetry(phaseID string)
	RecordWaveCompleted(status string, duration time.Duration)
	RecordLockConflict(resolution string)
	RecordDeadlock()
	SetActiveAgents(count int)
}

// NopMetrics is a MetricsCollector that discards everything. Used in
// tests and when metrics are disabled.
type NopMetrics struct{}

func (NopMetrics) RecordExecutionStarted(string)                  {}
func (NopMetrics) RecordExecutionCompleted(string, time.Duration) {}
func (NopMetrics) RecordPhaseExecuted(string, time.Duration)      {}
func (NopMetrics) RecordPhaseRetry(string)                        {}
func (NopMetrics) RecordWaveCompleted(string, time.Duration)      {}
func (NopMetrics) RecordLockConflict(string)                      {}
func (NopMetrics) RecordDeadlock()                                {}
func (NopMetrics) SetActiveAgents(int)                            {}

// AgentRunner is the worker contract: something that accepts a phase and
// eventually reports success or failure. The process-backed spawner and
// test doubles are interchangeable behind it.
type AgentRunner interface {
	Spawn(ctx context.Context, phase domain.Phase) (agentID string, err error)
	CheckHealth(agentID string) (domain.AgentStatus, error)
	Terminate(agentID string, graceful bool) error
	CollectLogs(agentID string) []domain.LogEntry
	CollectOutputs(agentID string) []string
	GetAllAgents() map[string]*domain.AgentInfo
	ActiveAgents() []string
	TerminateAll(graceful bool) int
}
