package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/maxxentropy/claudeops/pkg/domain"
	"github.com/maxxentropy/claudeops/pkg/ports"
)

const keyPrefix = "claudeops:state:"

// Store mirrors execution-state checkpoints to Redis with a TTL so
// dashboards can follow runs without touching the workspace.
type Store struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

var _ ports.StateStore = (*Store)(nil)

// NewStore creates a Redis-backed state store.
func NewStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *Store {
	return &Store{client: client, logger: logger, ttl: ttl}
}

// SaveState writes the state under its execution id with the store TTL.
func (s *Store) SaveState(ctx context.Context, state *domain.ExecutionState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := s.client.Set(ctx, stateKey(state.ExecutionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}

	s.logger.Debug("state mirrored",
		zap.String("execution_id", state.ExecutionID))
	return nil
}

// GetState reads a mirrored state back.
func (s *Store) GetState(ctx context.Context, executionID string) (*domain.ExecutionState, error) {
	data, err := s.client.Get(ctx, stateKey(executionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("state not found: %s", executionID)
		}
		return nil, fmt.Errorf("failed to get state: %w", err)
	}

	var state domain.ExecutionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &state, nil
}

// DeleteState removes a mirrored state.
func (s *Store) DeleteState(ctx context.Context, executionID string) error {
	if err := s.client.Del(ctx, stateKey(executionID)).Err(); err != nil {
		return fmt.Errorf("failed to delete state: %w", err)
	}
	return nil
}

// ListStates scans for all mirrored execution ids.
func (s *Store) ListStates(ctx context.Context) ([]string, error) {
	var cursor uint64
	var keys []string
	for {
		batch, next, err := s.client.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		if len(key) > len(keyPrefix) {
			ids = append(ids, key[len(keyPrefix):])
		}
	}
	return ids, nil
}

func stateKey(executionID string) string {
	return keyPrefix + executionID
}
