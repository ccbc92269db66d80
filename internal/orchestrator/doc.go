// Package orchestrator is the top-level coordinator: it builds the
// dependency graph, plans execution waves, drives them through the wave
// executor with checkpointing between waves, and exposes pause, resume,
// stop and progress controls. Dry-run and validate modes produce the
// same result shape with no side effects.
package orchestrator
