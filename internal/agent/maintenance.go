package agent

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/conductor/fleetagent/pkg/metrics"
)

const drainPollInterval = 50 * time.Millisecond

// Maintenance controls the agent-wide maintenance flag. While it is on,
// workers do not poll for new jobs.
type Maintenance struct {
	queue    MaintenanceNotifier
	registry *Registry
	timeout  time.Duration
	logger   zerolog.Logger
	metrics  *metrics.AgentMetrics

	mu      sync.Mutex
	on      bool
	changed chan struct{}
}

// MaintenanceNotifier tells the queue that this agent is draining.
type MaintenanceNotifier interface {
	SetMaintenanceMode(ctx context.Context) error
}

// NewMaintenance creates a controller. RequestDrain waits at most timeout
// for active jobs to finish.
func NewMaintenance(queue MaintenanceNotifier, registry *Registry, timeout time.Duration, logger zerolog.Logger, m *metrics.AgentMetrics) *Maintenance {
	return &Maintenance{
		queue:    queue,
		registry: registry,
		timeout:  timeout,
		logger:   logger.With().Str("component", "maintenance").Logger(),
		metrics:  m,
		changed:  make(chan struct{}),
	}
}

// Enabled reports whether maintenance mode is on.
func (m *Maintenance) Enabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.on
}

// Set turns maintenance mode on or off.
func (m *Maintenance) Set(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.on == on {
		return
	}
	m.on = on
	close(m.changed)
	m.changed = make(chan struct{})
	m.metrics.SetMaintenance(on)
	m.logger.Info().Bool("enabled", on).Msg("Maintenance mode changed")
}

// Wait blocks while maintenance mode is on. It returns ctx.Err() if ctx is
// done first.
func (m *Maintenance) Wait(ctx context.Context) error {
	for {
		m.mu.Lock()
		on, changed := m.on, m.changed
		m.mu.Unlock()

		if !on {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// BusyWorkers returns the number of jobs still running.
func (m *Maintenance) BusyWorkers() int {
	return m.registry.Len()
}

// RequestDrain turns maintenance mode on, notifies the queue and waits up
// to the drain timeout for active jobs to finish. Jobs are not killed. It
// returns the number of jobs still running.
func (m *Maintenance) RequestDrain(ctx context.Context) int {
	m.Set(true)

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	if m.queue != nil {
		if err := m.queue.SetMaintenanceMode(ctx); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to notify queue of maintenance mode")
		}
	}

	ticker := time.NewTicker(drainPollInterval)
	defer ticker.Stop()

	for {
		busy := m.registry.Len()
		if busy == 0 {
			return 0
		}
		select {
		case <-ctx.Done():
			m.logger.Info().Int("busy_workers", busy).Msg("Drain timeout, jobs still running")
			return busy
		case <-ticker.C:
		}
	}
}
