package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/maxxentropy/claudeops/pkg/domain"
	"github.com/maxxentropy/claudeops/pkg/ports"
)

// Store is an in-memory StateStore. States are stored as serialized
// copies so callers cannot mutate stored data through shared pointers.
type Store struct {
	mu     sync.RWMutex
	states map[string][]byte
}

var _ ports.StateStore = (*Store)(nil)

// NewStore creates an empty in-memory state store.
func NewStore() *Store {
	return &Store{states: make(map[string][]byte)}
}

// SaveState stores a copy of the state keyed by execution id.
func (s *Store) SaveState(ctx context.Context, state *domain.ExecutionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.ExecutionID] = data
	return nil
}

// GetState returns the stored state for an execution id.
func (s *Store) GetState(ctx context.Context, executionID string) (*domain.ExecutionState, error) {
	s.mu.RLock()
	data, ok := s.states[executionID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("state not found: %s", executionID)
	}

	var state domain.ExecutionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &state, nil
}

// DeleteState removes the stored state for an execution id.
func (s *Store) DeleteState(ctx context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, executionID)
	return nil
}

// ListStates returns all stored execution ids in sorted order.
func (s *Store) ListStates(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.states))
	for id := range s.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
