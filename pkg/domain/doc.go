// Package domain defines the core data model for parallel phase
// orchestration: phases, execution waves, resource locks, agent records
// and the aggregate execution state that is persisted for crash recovery.
package domain
