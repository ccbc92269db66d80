// Package http exposes the control API: execution submission in any
// mode, progress, pause/resume/stop, lock statistics, health and
// Prometheus metrics.
package http
