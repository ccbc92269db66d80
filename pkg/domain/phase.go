package domain

import "time"

// Phase is a single schedulable unit of work with declared dependencies
// and declared output paths. Phases are produced by an external parser
// and are immutable once loaded.
type Phase struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Dependencies      []string      `json:"dependencies,omitempty"`
	Outputs           []string      `json:"outputs,omitempty"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	Description       string        `json:"description,omitempty"`
}
