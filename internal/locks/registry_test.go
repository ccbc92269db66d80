package locks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxxentropy/claudeops/pkg/domain"
)

func TestExclusiveLockExcludesEveryone(t *testing.T) {
	r := NewRegistry()

	lock, ok := r.Acquire("/ws/a.txt", "phase-1", domain.LockExclusive, 0)
	require.True(t, ok)
	require.NotNil(t, lock)

	assert.False(t, r.CanAcquire("/ws/a.txt", "phase-2", domain.LockExclusive))
	assert.False(t, r.CanAcquire("/ws/a.txt", "phase-2", domain.LockShared))

	_, ok = r.Acquire("/ws/a.txt", "phase-2", domain.LockShared, 0)
	assert.False(t, ok)
}

func TestSharedLocksCoexist(t *testing.T) {
	r := NewRegistry()

	for _, phase := range []string{"phase-1", "phase-2", "phase-3"} {
		_, ok := r.Acquire("/ws/a.txt", phase, domain.LockShared, 0)
		require.True(t, ok, phase)
	}
	assert.Len(t, r.ActiveLocks("/ws/a.txt"), 3)

	// Shared holders block a new exclusive request.
	assert.False(t, r.CanAcquire("/ws/a.txt", "phase-4", domain.LockExclusive))
}

func TestReacquireAndUpgrade(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Acquire("/ws/a.txt", "phase-1", domain.LockShared, 0)
	require.True(t, ok)

	// Sole holder may upgrade; the upgrade replaces the shared lock.
	lock, ok := r.Acquire("/ws/a.txt", "phase-1", domain.LockExclusive, 0)
	require.True(t, ok)
	assert.Equal(t, domain.LockExclusive, lock.Kind)
	assert.Len(t, r.ActiveLocks("/ws/a.txt"), 1)
}

func TestUpgradeBlockedByOtherSharedHolders(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Acquire("/ws/a.txt", "phase-1", domain.LockShared, 0)
	require.True(t, ok)
	_, ok = r.Acquire("/ws/a.txt", "phase-2", domain.LockShared, 0)
	require.True(t, ok)

	assert.False(t, r.CanAcquire("/ws/a.txt", "phase-1", domain.LockExclusive))
}

func TestCanonicalPathCollapsesSpellings(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Acquire("/ws/a.txt", "phase-1", domain.LockExclusive, 0)
	require.True(t, ok)

	assert.False(t, r.CanAcquire("/ws/./a.txt", "phase-2", domain.LockExclusive))
	assert.False(t, r.CanAcquire("/ws/sub/../a.txt", "phase-2", domain.LockShared))
}

func TestReleaseAllPhaseLocks(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Acquire("/ws/a.txt", "phase-1", domain.LockExclusive, 0)
	require.True(t, ok)
	_, ok = r.Acquire("/ws/b.txt", "phase-1", domain.LockExclusive, 0)
	require.True(t, ok)

	r.ReleaseAllPhaseLocks("phase-1")

	assert.Empty(t, r.PhaseLocks("phase-1"))
	assert.True(t, r.CanAcquire("/ws/a.txt", "phase-2", domain.LockExclusive))
	assert.True(t, r.CanAcquire("/ws/b.txt", "phase-2", domain.LockExclusive))
}

func TestExpiredLocksAreIgnoredAndCleaned(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Acquire("/ws/a.txt", "phase-1", domain.LockExclusive, time.Millisecond)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond)

	assert.True(t, r.CanAcquire("/ws/a.txt", "phase-2", domain.LockExclusive))

	stats := r.GetStats()
	assert.Equal(t, 0, stats.TotalActiveLocks)
	assert.Equal(t, 0, stats.LockedResources)
}

func TestDetectConflicts(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Acquire("/ws/a.txt", "phase-1", domain.LockExclusive, 0)
	require.True(t, ok)

	conflicts := r.DetectConflicts("/ws/a.txt", "phase-2", domain.LockShared)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "phase-1", conflicts[0].OwnerPhase)

	// A phase never conflicts with its own locks.
	assert.Empty(t, r.DetectConflicts("/ws/a.txt", "phase-1", domain.LockExclusive))
}

func TestSharedRequestOnlyConflictsWithExclusive(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Acquire("/ws/a.txt", "phase-1", domain.LockShared, 0)
	require.True(t, ok)

	assert.Empty(t, r.DetectConflicts("/ws/a.txt", "phase-2", domain.LockShared))
}

func TestGetStats(t *testing.T) {
	r := NewRegistry()

	_, ok := r.Acquire("/ws/a.txt", "phase-1", domain.LockExclusive, 0)
	require.True(t, ok)
	_, ok = r.Acquire("/ws/b.txt", "phase-1", domain.LockShared, 0)
	require.True(t, ok)
	_, ok = r.Acquire("/ws/b.txt", "phase-2", domain.LockShared, 0)
	require.True(t, ok)

	stats := r.GetStats()
	assert.Equal(t, 3, stats.TotalActiveLocks)
	assert.Equal(t, 2, stats.SharedLocks)
	assert.Equal(t, 1, stats.ExclusiveLocks)
	assert.Equal(t, 2, stats.LockedResources)
	assert.Equal(t, 2, stats.PhasesWithLocks)
}
