// Package ports defines the interfaces between the orchestration core and
// its adapters: event publication, state mirroring, metrics collection and
// the worker-process contract.
package ports
