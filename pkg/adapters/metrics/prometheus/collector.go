package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/maxxentropy/claudeops/pkg/ports"
)

// Collector implements MetricsCollector on Prometheus. Metrics register
// on the default registry via promauto, so construct at most one per
// process.
type Collector struct {
	executionsStarted   *prometheus.CounterVec
	executionsCompleted *prometheus.CounterVec
	executionDuration   *prometheus.HistogramVec
	phasesExecuted      *prometheus.CounterVec
	phaseDuration       *prometheus.HistogramVec
	phaseRetries        *prometheus.CounterVec
	wavesCompleted      *prometheus.CounterVec
	waveDuration        *prometheus.HistogramVec
	lockConflicts       *prometheus.CounterVec
	deadlocks           prometheus.Counter
	activeAgents        prometheus.Gauge
}

var _ ports.MetricsCollector = (*Collector)(nil)

// NewCollector creates a Prometheus metrics collector.
func NewCollector() *Collector {
	return &Collector{
		executionsStarted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claudeops_executions_started_total",
				Help: "Total number of executions started",
			},
			[]string{"mode"},
		),
		executionsCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claudeops_executions_completed_total",
				Help: "Total number of executions completed",
			},
			[]string{"status"},
		),
		executionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "claudeops_execution_duration_seconds",
				Help:    "Execution duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"status"},
		),
		phasesExecuted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claudeops_phases_executed_total",
				Help: "Total number of phases executed",
			},
			[]string{"status"},
		),
		phaseDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "claudeops_phase_duration_seconds",
				Help:    "Phase execution duration in seconds",
				Buckets: []float64{0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"status"},
		),
		phaseRetries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claudeops_phase_retries_total",
				Help: "Total number of phase retries",
			},
			[]string{"phase_id"},
		),
		wavesCompleted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claudeops_waves_completed_total",
				Help: "Total number of waves completed",
			},
			[]string{"status"},
		),
		waveDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "claudeops_wave_duration_seconds",
				Help:    "Wave duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
			[]string{"status"},
		),
		lockConflicts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "claudeops_lock_conflicts_total",
				Help: "Total number of resource lock conflicts",
			},
			[]string{"resolution"},
		),
		deadlocks: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "claudeops_deadlocks_total",
				Help: "Total number of deadlocks detected",
			},
		),
		activeAgents: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "claudeops_active_agents",
				Help: "Number of currently active agents",
			},
		),
	}
}

// RecordExecutionStarted counts an execution start by mode.
func (c *Collector) RecordExecutionStarted(mode string) {
	c.executionsStarted.WithLabelValues(mode).Inc()
}

// RecordExecutionCompleted counts a finished execution and its duration.
func (c *Collector) RecordExecutionCompleted(status string, duration time.Duration) {
	c.executionsCompleted.WithLabelValues(status).Inc()
	c.executionDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordPhaseExecuted counts a terminal phase attempt and its duration.
func (c *Collector) RecordPhaseExecuted(status string, duration time.Duration) {
	c.phasesExecuted.WithLabelValues(status).Inc()
	c.phaseDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordPhaseRetry counts a retry for a phase.
func (c *Collector) RecordPhaseRetry(phaseID string) {
	c.phaseRetries.WithLabelValues(phaseID).Inc()
}

// RecordWaveCompleted counts a finished wave and its duration.
func (c *Collector) RecordWaveCompleted(status string, duration time.Duration) {
	c.wavesCompleted.WithLabelValues(status).Inc()
	c.waveDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordLockConflict counts a lock conflict by its resolution.
func (c *Collector) RecordLockConflict(resolution string) {
	c.lockConflicts.WithLabelValues(resolution).Inc()
}

// RecordDeadlock counts a detected deadlock.
func (c *Collector) RecordDeadlock() {
	c.deadlocks.Inc()
}

// SetActiveAgents sets the live agent gauge.
func (c *Collector) SetActiveAgents(count int) {
	c.activeAgents.Set(float64(count))
}
