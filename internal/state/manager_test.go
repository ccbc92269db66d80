package state

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
	"github.com/maxxentropy/claudeops/pkg/ports"
)

func newTestManager(t *testing.T, mirrors ...ports.StateStore) *Manager {
	t.Helper()

	m, err := NewManager(Config{
		FilePath:           filepath.Join(t.TempDir(), ".claudeops", "state.json"),
		MaxBackups:         3,
		CheckpointInterval: time.Hour,
	}, zap.NewNop(), mirrors...)
	require.NoError(t, err)
	return m
}

func sampleState(executionID string) *domain.ExecutionState {
	st := domain.NewExecutionState(executionID)
	now := time.Now()
	st.StartTime = &now
	st.AddPhase("phase-1")
	st.AddPhase("phase-2")
	st.PhaseStates["phase-1"].MarkStarted("agent-1")
	st.PhaseStates["phase-1"].MarkCompleted([]string{"out.txt"})
	return st
}

func TestSaveLoadRoundTrip(t *testing.T) {
	m := newTestManager(t)
	st := sampleState("exec-1")

	require.NoError(t, m.Save(st))

	loaded, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "exec-1", loaded.ExecutionID)
	assert.Equal(t, domain.PhaseCompleted, loaded.PhaseStatusOf("phase-1"))
	assert.Equal(t, domain.PhaseNotStarted, loaded.PhaseStatusOf("phase-2"))
	assert.Equal(t, []string{"out.txt"}, loaded.PhaseStates["phase-1"].OutputFiles)
}

func TestSaveIsIdempotentAndKeepsBackups(t *testing.T) {
	m := newTestManager(t)
	st := sampleState("exec-1")

	for i := 0; i < 6; i++ {
		require.NoError(t, m.Save(st))
	}

	loaded, err := m.Load()
	require.NoError(t, err)
	assert.Equal(t, "exec-1", loaded.ExecutionID)

	backups := m.backupsNewestFirst()
	assert.LessOrEqual(t, len(backups), 3)
	assert.NotEmpty(t, backups)
}

func TestRecoverFromCrashMarksInterruptedPhases(t *testing.T) {
	m := newTestManager(t)
	st := sampleState("exec-1")
	st.PhaseStates["phase-2"].MarkStarted("agent-2")
	st.Agents["agent-2"] = &domain.AgentInfo{
		AgentID:       "agent-2",
		AssignedPhase: "phase-2",
		Status:        domain.AgentWorking,
		CreatedAt:     time.Now(),
	}
	require.NoError(t, m.Save(st))

	recovered, err := m.RecoverFromCrash()
	require.NoError(t, err)

	// Completed work survives; in-flight work is failed for rerun.
	assert.Equal(t, domain.PhaseCompleted, recovered.PhaseStatusOf("phase-1"))
	assert.Equal(t, domain.PhaseFailed, recovered.PhaseStatusOf("phase-2"))
	assert.Equal(t, "interrupted by crash", recovered.PhaseStates["phase-2"].ErrorMessage)
	// The crash did not consume a retry.
	assert.Equal(t, 0, recovered.PhaseStates["phase-2"].RetryCount)
	assert.Equal(t, domain.AgentTerminated, recovered.Agents["agent-2"].Status)
}

func TestRecoverFallsBackToBackup(t *testing.T) {
	m := newTestManager(t)
	st := sampleState("exec-1")

	require.NoError(t, m.Save(st))
	require.NoError(t, m.Save(st))

	// Corrupt the main file; recovery should use the newest backup.
	require.NoError(t, os.WriteFile(m.cfg.FilePath, []byte("{truncated"), 0o644))

	recovered, err := m.RecoverFromCrash()
	require.NoError(t, err)
	assert.Equal(t, "exec-1", recovered.ExecutionID)
}

func TestRecoverWithNothingToRecover(t *testing.T) {
	m := newTestManager(t)

	_, err := m.RecoverFromCrash()
	require.ErrorIs(t, err, ErrNoRecoverableState)
}

func TestDeleteRemovesStateAndBackups(t *testing.T) {
	m := newTestManager(t)
	st := sampleState("exec-1")

	require.NoError(t, m.Save(st))
	require.NoError(t, m.Save(st))
	require.NoError(t, m.Delete())

	_, err := m.Load()
	require.ErrorIs(t, err, os.ErrNotExist)
	assert.Empty(t, m.backupsNewestFirst())
}

type recordingStore struct {
	saved []string
}

func (r *recordingStore) SaveState(_ context.Context, state *domain.ExecutionState) error {
	r.saved = append(r.saved, state.ExecutionID)
	return nil
}
func (r *recordingStore) GetState(context.Context, string) (*domain.ExecutionState, error) {
	return nil, nil
}
func (r *recordingStore) DeleteState(context.Context, string) error { return nil }
func (r *recordingStore) ListStates(context.Context) ([]string, error) {
	return nil, nil
}

func TestSaveMirrorsToSecondaryStores(t *testing.T) {
	store := &recordingStore{}
	m := newTestManager(t, store)

	require.NoError(t, m.Save(sampleState("exec-1")))
	assert.Equal(t, []string{"exec-1"}, store.saved)
}

func TestTrackerSnapshotIsIndependent(t *testing.T) {
	tracker := NewTracker(sampleState("exec-1"))

	snap := tracker.Snapshot()
	require.NotNil(t, snap)
	snap.PhaseStates["phase-2"].Status = domain.PhaseCompleted

	assert.Equal(t, domain.PhaseNotStarted, tracker.PhaseStatusOf("phase-2"))
}
