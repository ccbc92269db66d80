package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxxentropy/claudeops/pkg/domain"
)

func TestStoreRoundTrip(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	st := domain.NewExecutionState("exec-1")
	st.AddPhase("phase-1")
	require.NoError(t, store.SaveState(ctx, st))

	loaded, err := store.GetState(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "exec-1", loaded.ExecutionID)
	assert.Equal(t, domain.PhaseNotStarted, loaded.PhaseStatusOf("phase-1"))

	// Mutating the loaded copy does not touch the stored one.
	loaded.PhaseStates["phase-1"].Status = domain.PhaseCompleted
	again, err := store.GetState(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PhaseNotStarted, again.PhaseStatusOf("phase-1"))
}

func TestGetStateUnknownID(t *testing.T) {
	store := NewStore()

	_, err := store.GetState(context.Background(), "exec-missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestDeleteAndList(t *testing.T) {
	store := NewStore()
	ctx := context.Background()

	require.NoError(t, store.SaveState(ctx, domain.NewExecutionState("exec-b")))
	require.NoError(t, store.SaveState(ctx, domain.NewExecutionState("exec-a")))

	ids, err := store.ListStates(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"exec-a", "exec-b"}, ids)

	require.NoError(t, store.DeleteState(ctx, "exec-a"))
	ids, err = store.ListStates(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"exec-b"}, ids)
}
