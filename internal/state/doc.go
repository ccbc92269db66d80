// Package state persists execution state for crash recovery. The state
// file on disk is the durable source of truth; writes are atomic, keep a
// bounded ring of timestamped backups, and may be mirrored to secondary
// stores for dashboards.
package state
