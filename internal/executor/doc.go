// Package executor runs one execution wave at a time: it rechecks
// dependencies, acquires resource locks, spawns an agent per phase under
// a bounded concurrency budget, supervises agent health until completion
// or timeout, and applies the configured failure strategy.
package executor
