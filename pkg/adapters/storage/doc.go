// Package storage contains StateStore implementations used to mirror
// execution-state checkpoints: an in-memory store for tests and a Redis
// store with TTL for external dashboards. The file-based state manager
// remains the durable source of truth.
package storage
