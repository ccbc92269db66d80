package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/maxxentropy/claudeops/pkg/domain"
)

// writeScript creates an executable worker stand-in.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func newTestSpawner(t *testing.T, command string, maxAgents int) *Spawner {
	t.Helper()
	s, err := NewSpawner(Config{
		Command:           command,
		AgentsDir:         filepath.Join(t.TempDir(), "agents"),
		MaxParallelAgents: maxAgents,
		TerminateGrace:    time.Second,
	}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() {
		s.TerminateAll(false)
		s.Close()
	})
	return s
}

func testPhase(id string) domain.Phase {
	return domain.Phase{
		ID:      id,
		Name:    "Phase " + id,
		Outputs: []string{id + ".out"},
	}
}

func TestWriteJSONAtomicRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "command.json")

	in := commandFile{AgentID: "agent-1", PhaseID: "phase-1", IssuedAt: time.Now()}
	require.NoError(t, writeJSONAtomic(path, in))

	var out commandFile
	require.NoError(t, readJSON(path, &out))
	assert.Equal(t, "agent-1", out.AgentID)
	assert.Equal(t, "phase-1", out.PhaseID)

	// No temp litter left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSpawnWritesCommandFile(t *testing.T) {
	s := newTestSpawner(t, writeScript(t, "sleep 30\n"), 2)

	agentID, err := s.Spawn(context.Background(), testPhase("phase-1"))
	require.NoError(t, err)

	var cmd commandFile
	path := filepath.Join(s.cfg.AgentsDir, agentID, commandFileName)
	require.NoError(t, readJSON(path, &cmd))
	assert.Equal(t, agentID, cmd.AgentID)
	assert.Equal(t, "phase-1", cmd.PhaseID)
	assert.Equal(t, []string{"phase-1.out"}, cmd.ExpectedOutputs)
}

func TestSpawnEnforcesAgentLimit(t *testing.T) {
	s := newTestSpawner(t, writeScript(t, "sleep 30\n"), 1)

	_, err := s.Spawn(context.Background(), testPhase("phase-1"))
	require.NoError(t, err)

	_, err = s.Spawn(context.Background(), testPhase("phase-2"))
	require.ErrorIs(t, err, ErrAgentLimit)
}

func TestHealthReflectsCompletedResponse(t *testing.T) {
	script := writeScript(t, `printf '{"status":"completed","outputs":["a.txt","b.txt"]}' > response.json
`)
	s := newTestSpawner(t, script, 1)

	agentID, err := s.Spawn(context.Background(), testPhase("phase-1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := s.CheckHealth(agentID)
		return err == nil && status == domain.AgentCompleted
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, []string{"a.txt", "b.txt"}, s.CollectOutputs(agentID))
}

func TestHealthReflectsNonZeroExit(t *testing.T) {
	s := newTestSpawner(t, writeScript(t, "exit 3\n"), 1)

	agentID, err := s.Spawn(context.Background(), testPhase("phase-1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := s.CheckHealth(agentID)
		return err == nil && status == domain.AgentError
	}, 5*time.Second, 20*time.Millisecond)

	assert.Contains(t, s.FailureReason(agentID), "exit")
}

func TestCleanExitWithoutResponseIsAnError(t *testing.T) {
	s := newTestSpawner(t, writeScript(t, "exit 0\n"), 1)

	agentID, err := s.Spawn(context.Background(), testPhase("phase-1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := s.CheckHealth(agentID)
		return err == nil && status == domain.AgentError
	}, 5*time.Second, 20*time.Millisecond)
}

func TestTerminateStopsAgent(t *testing.T) {
	s := newTestSpawner(t, writeScript(t, "sleep 30\n"), 1)

	agentID, err := s.Spawn(context.Background(), testPhase("phase-1"))
	require.NoError(t, err)
	require.Len(t, s.ActiveAgents(), 1)

	require.NoError(t, s.Terminate(agentID, true))

	status, err := s.CheckHealth(agentID)
	require.NoError(t, err)
	assert.Equal(t, domain.AgentTerminated, status)
	assert.Empty(t, s.ActiveAgents())

	// The limit slot is free again.
	_, err = s.Spawn(context.Background(), testPhase("phase-2"))
	require.NoError(t, err)
}

func TestCollectLogsTailsAgentOutput(t *testing.T) {
	script := writeScript(t, `echo "starting work"
echo "work done"
`)
	s := newTestSpawner(t, script, 1)

	agentID, err := s.Spawn(context.Background(), testPhase("phase-1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(s.CollectLogs(agentID)) >= 2
	}, 5*time.Second, 20*time.Millisecond)

	logs := s.CollectLogs(agentID)
	messages := make([]string, 0, len(logs))
	for _, entry := range logs {
		messages = append(messages, entry.Message)
	}
	assert.Contains(t, messages, "starting work")
	assert.Contains(t, messages, "work done")
}

func TestCheckHealthUnknownAgent(t *testing.T) {
	s := newTestSpawner(t, writeScript(t, "exit 0\n"), 1)

	_, err := s.CheckHealth("agent-nope")
	require.Error(t, err)
}

func TestCleanupStaleAgents(t *testing.T) {
	s := newTestSpawner(t, writeScript(t, "exit 3\n"), 2)

	agentID, err := s.Spawn(context.Background(), testPhase("phase-1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := s.CheckHealth(agentID)
		return err == nil && status == domain.AgentError
	}, 5*time.Second, 20*time.Millisecond)

	// Not yet stale.
	assert.Equal(t, 0, s.CleanupStaleAgents(time.Hour))

	removed := s.CleanupStaleAgents(0)
	assert.Equal(t, 1, removed)
	assert.Empty(t, s.GetAllAgents())

	_, err = os.Stat(filepath.Join(s.cfg.AgentsDir, agentID))
	assert.True(t, os.IsNotExist(err))
}
