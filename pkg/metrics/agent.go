package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// AgentMetrics holds all metrics for the agent execution engine.
//
// Every recorder is safe to call on a nil *AgentMetrics so components can
// run without a registry in tests.
type AgentMetrics struct {
	// Job metrics
	JobDuration *prometheus.HistogramVec
	JobsTotal   *prometheus.CounterVec
	JobsActive  prometheus.Gauge

	// Admission metrics
	SlotsBusy       prometheus.Gauge
	MaintenanceMode prometheus.Gauge

	// Process pool metrics
	PoolTakes          *prometheus.CounterVec
	PoolIdle           prometheus.Gauge
	PoolEvictions      prometheus.Counter
	PoolLaunchFailures prometheus.Counter

	// Process termination
	KillAttempts *prometheus.CounterVec

	// Repository cache metrics
	RepoFetchDuration prometheus.Histogram
	RepoFetchesTotal  *prometheus.CounterVec

	// Log forwarding
	LogChunks *prometheus.CounterVec

	// Orphaned containers
	OrphansRemoved prometheus.Counter
}

// newAgentMetrics creates and registers all agent metrics.
func newAgentMetrics(registry *prometheus.Registry) *AgentMetrics {
	m := &AgentMetrics{
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "job_duration_seconds",
				Help:      "Duration of job execution in seconds.",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600, 7200},
			},
			[]string{"status", "launch"},
		),

		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "jobs_total",
				Help:      "Total number of jobs that reached a terminal status.",
			},
			[]string{"status"},
		),

		JobsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "jobs_active",
				Help:      "Number of jobs currently registered as active.",
			},
		),

		SlotsBusy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "slots_busy",
				Help:      "Number of admission slots currently held.",
			},
		),

		MaintenanceMode: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "maintenance_mode",
				Help:      "1 while the agent is in maintenance mode.",
			},
		),

		PoolTakes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "process_pool",
				Name:      "takes_total",
				Help:      "Process pool takes by result (hit, miss).",
			},
			[]string{"result"},
		),

		PoolIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "process_pool",
				Name:      "idle_entries",
				Help:      "Number of idle pre-forked processes.",
			},
		),

		PoolEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "process_pool",
				Name:      "evictions_total",
				Help:      "Idle pre-forked processes evicted for exceeding max age.",
			},
		),

		PoolLaunchFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "process_pool",
				Name:      "launch_failures_total",
				Help:      "Failed process launches, including background replenishment.",
			},
		),

		KillAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "kill_attempts_total",
				Help:      "Process termination signals sent, by kind (graceful, forced).",
			},
			[]string{"kind"},
		),

		RepoFetchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "repo_fetch_duration_seconds",
				Help:      "Duration of repository fetches from the provider.",
				Buckets:   []float64{0.5, 1, 5, 10, 30, 60, 120, 300},
			},
		),

		RepoFetchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "repo_fetches_total",
				Help:      "Repository cache lookups by result (cached, fetched, error, busy).",
			},
			[]string{"result"},
		),

		LogChunks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "log_chunks_total",
				Help:      "Log chunks forwarded to the queue, by result (sent, dropped).",
			},
			[]string{"result"},
		),

		OrphansRemoved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "agent",
				Name:      "orphan_containers_removed_total",
				Help:      "Containers removed because their job is no longer active.",
			},
		),
	}

	registry.MustRegister(
		m.JobDuration,
		m.JobsTotal,
		m.JobsActive,
		m.SlotsBusy,
		m.MaintenanceMode,
		m.PoolTakes,
		m.PoolIdle,
		m.PoolEvictions,
		m.PoolLaunchFailures,
		m.KillAttempts,
		m.RepoFetchDuration,
		m.RepoFetchesTotal,
		m.LogChunks,
		m.OrphansRemoved,
	)

	return m
}

// RecordJobComplete records a job reaching a terminal status.
func (m *AgentMetrics) RecordJobComplete(status, launch string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.JobDuration.WithLabelValues(status, launch).Observe(durationSeconds)
	m.JobsTotal.WithLabelValues(status).Inc()
}

// SetActiveJobs sets the count of active jobs.
func (m *AgentMetrics) SetActiveJobs(count int) {
	if m == nil {
		return
	}
	m.JobsActive.Set(float64(count))
}

// SlotAcquired increments the busy slot gauge.
func (m *AgentMetrics) SlotAcquired() {
	if m == nil {
		return
	}
	m.SlotsBusy.Inc()
}

// SlotReleased decrements the busy slot gauge.
func (m *AgentMetrics) SlotReleased() {
	if m == nil {
		return
	}
	m.SlotsBusy.Dec()
}

// SetMaintenance records whether maintenance mode is on.
func (m *AgentMetrics) SetMaintenance(on bool) {
	if m == nil {
		return
	}
	if on {
		m.MaintenanceMode.Set(1)
	} else {
		m.MaintenanceMode.Set(0)
	}
}

// RecordPoolTake records a pool take as a hit or miss.
func (m *AgentMetrics) RecordPoolTake(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.PoolTakes.WithLabelValues("hit").Inc()
	} else {
		m.PoolTakes.WithLabelValues("miss").Inc()
	}
}

// SetPoolIdle sets the number of idle pool entries.
func (m *AgentMetrics) SetPoolIdle(count int) {
	if m == nil {
		return
	}
	m.PoolIdle.Set(float64(count))
}

// RecordPoolEvictions adds n evicted entries.
func (m *AgentMetrics) RecordPoolEvictions(n int) {
	if m == nil {
		return
	}
	m.PoolEvictions.Add(float64(n))
}

// RecordPoolLaunchFailure records a failed launch.
func (m *AgentMetrics) RecordPoolLaunchFailure() {
	if m == nil {
		return
	}
	m.PoolLaunchFailures.Inc()
}

// RecordKillAttempt records a termination signal of the given kind.
func (m *AgentMetrics) RecordKillAttempt(kind string) {
	if m == nil {
		return
	}
	m.KillAttempts.WithLabelValues(kind).Inc()
}

// RecordRepoFetch records a repository cache lookup.
func (m *AgentMetrics) RecordRepoFetch(result string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RepoFetchesTotal.WithLabelValues(result).Inc()
	if result == "fetched" {
		m.RepoFetchDuration.Observe(durationSeconds)
	}
}

// RecordLogChunk records a forwarded or dropped log chunk.
func (m *AgentMetrics) RecordLogChunk(sent bool) {
	if m == nil {
		return
	}
	if sent {
		m.LogChunks.WithLabelValues("sent").Inc()
	} else {
		m.LogChunks.WithLabelValues("dropped").Inc()
	}
}

// RecordOrphansRemoved adds n removed containers.
func (m *AgentMetrics) RecordOrphansRemoved(n int) {
	if m == nil {
		return
	}
	m.OrphansRemoved.Add(float64(n))
}
