package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/maxxentropy/claudeops/pkg/domain"
	"github.com/maxxentropy/claudeops/pkg/ports"
)

// ErrAgentLimit is returned by Spawn when the configured maximum number
// of concurrent agents has been reached.
var ErrAgentLimit = errors.New("agent limit reached")

// Config controls the process-backed spawner.
type Config struct {
	// Command is the worker executable launched for each phase.
	Command string
	// AgentsDir is the root under which per-agent directories live.
	AgentsDir string
	// MaxParallelAgents bounds concurrently active agents.
	MaxParallelAgents int
	// TerminateGrace is how long a graceful terminate waits before
	// escalating to SIGKILL.
	TerminateGrace time.Duration
}

// Spawner launches one worker subprocess per phase and implements
// ports.AgentRunner. All agent bookkeeping is guarded by one mutex;
// process exit and log tailing happen on background goroutines.
type Spawner struct {
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	agents map[string]*agentProcess

	tailer *logTailer
}

var _ ports.AgentRunner = (*Spawner)(nil)

// NewSpawner creates a spawner rooted at cfg.AgentsDir.
func NewSpawner(cfg Config, logger *zap.Logger) (*Spawner, error) {
	if cfg.TerminateGrace <= 0 {
		cfg.TerminateGrace = 5 * time.Second
	}
	if err := os.MkdirAll(cfg.AgentsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create agents directory %s: %w", cfg.AgentsDir, err)
	}

	tailer, err := newLogTailer(logger)
	if err != nil {
		return nil, err
	}

	return &Spawner{
		cfg:    cfg,
		logger: logger,
		agents: make(map[string]*agentProcess),
		tailer: tailer,
	}, nil
}

// Spawn starts a worker for the phase and returns its agent id. Fails
// with ErrAgentLimit when the concurrency budget is exhausted.
func (s *Spawner) Spawn(ctx context.Context, phase domain.Phase) (string, error) {
	s.mu.Lock()
	if active := s.activeCountLocked(); active >= s.cfg.MaxParallelAgents {
		s.mu.Unlock()
		return "", fmt.Errorf("%w (%d/%d active)", ErrAgentLimit, active, s.cfg.MaxParallelAgents)
	}

	agentID := fmt.Sprintf("agent-%s-%s", phase.ID, strings.Split(uuid.NewString(), "-")[0])
	info := &domain.AgentInfo{
		AgentID:       agentID,
		AssignedPhase: phase.ID,
		Status:        domain.AgentAssigned,
		CreatedAt:     time.Now(),
	}
	proc := newAgentProcess(info, phase, filepath.Join(s.cfg.AgentsDir, agentID))
	s.agents[agentID] = proc
	s.mu.Unlock()

	if err := proc.start(ctx, s.cfg.Command); err != nil {
		s.mu.Lock()
		delete(s.agents, agentID)
		s.mu.Unlock()
		return "", err
	}

	if err := s.tailer.watch(proc.logPath(), func(line string) {
		s.mu.Lock()
		info.AddLog("info", line)
		s.mu.Unlock()
	}); err != nil {
		s.logger.Warn("log tailing unavailable for agent",
			zap.String("agent_id", agentID), zap.Error(err))
	}

	s.mu.Lock()
	info.Status = domain.AgentWorking
	s.mu.Unlock()

	s.logger.Info("agent spawned",
		zap.String("agent_id", agentID),
		zap.String("phase_id", phase.ID),
		zap.String("command", s.cfg.Command))
	return agentID, nil
}

// CheckHealth refreshes and returns the agent's status.
func (s *Spawner) CheckHealth(agentID string) (domain.AgentStatus, error) {
	proc, err := s.lookup(agentID)
	if err != nil {
		return "", err
	}

	status := proc.health()

	s.mu.Lock()
	if proc.info.Status != domain.AgentTerminated {
		proc.info.Status = status
	} else {
		status = domain.AgentTerminated
	}
	s.mu.Unlock()

	return status, nil
}

// Terminate stops an agent's process and marks it terminated.
func (s *Spawner) Terminate(agentID string, graceful bool) error {
	proc, err := s.lookup(agentID)
	if err != nil {
		return err
	}

	if err := proc.terminate(graceful, s.cfg.TerminateGrace); err != nil {
		s.logger.Warn("agent termination error",
			zap.String("agent_id", agentID), zap.Error(err))
	}
	s.tailer.unwatch(proc.logPath())

	now := time.Now()
	s.mu.Lock()
	proc.info.Status = domain.AgentTerminated
	proc.info.TerminatedAt = &now
	s.mu.Unlock()

	s.logger.Info("agent terminated",
		zap.String("agent_id", agentID), zap.Bool("graceful", graceful))
	return nil
}

// CollectLogs returns a copy of everything tailed from the agent's log
// so far, after a final drain.
func (s *Spawner) CollectLogs(agentID string) []domain.LogEntry {
	proc, err := s.lookup(agentID)
	if err != nil {
		return nil
	}
	s.tailer.sync(proc.logPath())

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.LogEntry, len(proc.info.Logs))
	copy(out, proc.info.Logs)
	return out
}

// CollectOutputs returns the output files the agent reported in its
// response.
func (s *Spawner) CollectOutputs(agentID string) []string {
	proc, err := s.lookup(agentID)
	if err != nil {
		return nil
	}
	return proc.outputs()
}

// FailureReason reports why an agent failed, from its response file or
// exit code.
func (s *Spawner) FailureReason(agentID string) string {
	proc, err := s.lookup(agentID)
	if err != nil {
		return ""
	}
	return proc.failureReason()
}

// GetAllAgents returns a snapshot of every agent record.
func (s *Spawner) GetAllAgents() map[string]*domain.AgentInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]*domain.AgentInfo, len(s.agents))
	for id, proc := range s.agents {
		cp := *proc.info
		cp.Logs = append([]domain.LogEntry(nil), proc.info.Logs...)
		out[id] = &cp
	}
	return out
}

// ActiveAgents returns the ids of agents still assigned or working.
func (s *Spawner) ActiveAgents() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for id, proc := range s.agents {
		if proc.info.Status == domain.AgentAssigned || proc.info.Status == domain.AgentWorking {
			out = append(out, id)
		}
	}
	return out
}

// TerminateAll terminates every active agent, returning how many were
// stopped.
func (s *Spawner) TerminateAll(graceful bool) int {
	ids := s.ActiveAgents()
	for _, id := range ids {
		_ = s.Terminate(id, graceful)
	}
	return len(ids)
}

// CleanupStaleAgents drops records and directories of terminated or
// completed agents older than maxAge. Returns the number removed.
func (s *Spawner) CleanupStaleAgents(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	s.mu.Lock()
	var stale []*agentProcess
	for id, proc := range s.agents {
		info := proc.info
		if info.Status != domain.AgentTerminated && info.Status != domain.AgentCompleted && info.Status != domain.AgentError {
			continue
		}
		ended := info.CreatedAt
		if info.TerminatedAt != nil {
			ended = *info.TerminatedAt
		}
		if ended.Before(cutoff) {
			stale = append(stale, proc)
			delete(s.agents, id)
		}
	}
	s.mu.Unlock()

	for _, proc := range stale {
		s.tailer.unwatch(proc.logPath())
		if err := os.RemoveAll(proc.dir); err != nil {
			s.logger.Warn("failed to remove stale agent directory",
				zap.String("dir", proc.dir), zap.Error(err))
		}
	}
	return len(stale)
}

// Close stops log tailing. Running agents are left to their contexts.
func (s *Spawner) Close() {
	s.tailer.close()
}

func (s *Spawner) lookup(agentID string) (*agentProcess, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proc, ok := s.agents[agentID]
	if !ok {
		return nil, fmt.Errorf("unknown agent %s", agentID)
	}
	return proc, nil
}

func (s *Spawner) activeCountLocked() int {
	n := 0
	for _, proc := range s.agents {
		if proc.info.Status == domain.AgentAssigned || proc.info.Status == domain.AgentWorking {
			n++
		}
	}
	return n
}
