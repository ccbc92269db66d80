package domain

import (
	"fmt"
	"time"
)

// LockKind is the access mode of a resource lock.
type LockKind string

const (
	// LockShared allows multiple concurrent readers.
	LockShared LockKind = "shared"
	// LockExclusive allows a single writer and excludes all readers.
	LockExclusive LockKind = "exclusive"
)

// ResourceLock records a lock held by a phase on a resource path.
type ResourceLock struct {
	ResourcePath string     `json:"resource_path"`
	OwnerPhase   string     `json:"owner_phase"`
	Kind         LockKind   `json:"kind"`
	AcquiredAt   time.Time  `json:"acquired_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// IsExpired reports whether the lock passed its expiry time.
func (l *ResourceLock) IsExpired(now time.Time) bool {
	return l.ExpiresAt != nil && now.After(*l.ExpiresAt)
}

func (l *ResourceLock) String() string {
	return fmt.Sprintf("ResourceLock(%s, owner=%s, kind=%s)", l.ResourcePath, l.OwnerPhase, l.Kind)
}

// ResourceConflict describes a failed lock acquisition.
type ResourceConflict struct {
	RequestingPhase  string    `json:"requesting_phase"`
	ConflictingPhase string    `json:"conflicting_phase"`
	ResourcePath     string    `json:"resource_path"`
	ConflictType     string    `json:"conflict_type"`
	DetectedAt       time.Time `json:"detected_at"`
}

func (c ResourceConflict) String() string {
	return fmt.Sprintf("conflict: %s wants %s but blocked by %s (%s)",
		c.RequestingPhase, c.ResourcePath, c.ConflictingPhase, c.ConflictType)
}

// WaitEdge is one step in a deadlock cycle: a phase waiting on a resource.
type WaitEdge struct {
	Phase    string `json:"phase"`
	Resource string `json:"resource"`
}

// Deadlock describes a cycle detected in the wait-for graph.
type Deadlock struct {
	PhasesInvolved    []string   `json:"phases_involved"`
	ResourcesInvolved []string   `json:"resources_involved"`
	Cycle             []WaitEdge `json:"cycle"`
	DetectedAt        time.Time  `json:"detected_at"`
}

func (d Deadlock) String() string {
	s := "deadlock:"
	for _, e := range d.Cycle {
		s += fmt.Sprintf(" %s waits for %s;", e.Phase, e.Resource)
	}
	return s
}

// ConflictResolution is the strategy applied to a resource conflict.
type ConflictResolution string

const (
	ResolutionWait    ConflictResolution = "wait"
	ResolutionPreempt ConflictResolution = "preempt"
	ResolutionShare   ConflictResolution = "share"
	ResolutionDefer   ConflictResolution = "defer"
	ResolutionFail    ConflictResolution = "fail"
)
