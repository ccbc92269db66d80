package ports

import (
	"context"
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	EventExecutionStarted   EventType = "execution.started"
	EventExecutionCompleted EventType = "execution.completed"
	EventWaveStarted        EventType = "wave.started"
	EventWaveCompleted      EventType = "wave.completed"
	EventPhaseStarted       EventType = "phase.started"
	EventPhaseCompleted     EventType = "phase.completed"
	EventPhaseFailed        EventType = "phase.failed"
	EventDeadlockDetected   EventType = "deadlock.detected"
)

// TopicExecution is the stream topic for all execution lifecycle events.
const TopicExecution = "execution.events"

// Event is a lifecycle notification published on the event bus.
type Event struct {
	ID          string                 `json:"id"`
	Type        EventType              `json:"type"`
	ExecutionID string                 `json:"execution_id"`
	PhaseID     string                 `json:"phase_id,omitempty"`
	Timestamp   time.Time              `json:"timestamp"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// EventHandler processes a single event delivered by the bus.
type EventHandler func(ctx context.Context, event Event) error

// EventBus publishes and delivers execution lifecycle events.
type EventBus interface {
	Publish(ctx context.Context, topic string, event Event) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Close() error
}
