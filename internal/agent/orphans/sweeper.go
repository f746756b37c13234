// Package orphans removes Docker containers left behind by jobs that are
// no longer running on this agent.
package orphans

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/rs/zerolog"

	"github.com/conductor/fleetagent/pkg/metrics"
)

// JobLabel marks containers started on behalf of a job.
const JobLabel = "fleet.job_id"

// DockerAPI is the subset of the Docker client used by the sweeper.
type DockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// ActiveJobs reports whether a job is still running on this agent.
type ActiveJobs interface {
	Has(jobID string) bool
}

// Sweeper periodically removes containers whose job is not active.
type Sweeper struct {
	docker   DockerAPI
	active   ActiveJobs
	interval time.Duration
	logger   zerolog.Logger
	metrics  *metrics.AgentMetrics
}

// NewDockerClient connects to the Docker daemon at host, or the
// environment default when host is empty.
func NewDockerClient(ctx context.Context, host string) (*client.Client, error) {
	opts := []client.Opt{
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to connect to Docker: %w", err)
	}
	return cli, nil
}

// New creates a Sweeper.
func New(docker DockerAPI, active ActiveJobs, interval time.Duration, logger zerolog.Logger, m *metrics.AgentMetrics) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		docker:   docker,
		active:   active,
		interval: interval,
		logger:   logger.With().Str("component", "orphan-sweeper").Logger(),
		metrics:  m,
	}
}

// Run sweeps on every interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("Orphan sweep failed")
			}
		}
	}
}

// Sweep removes every labelled container whose job is not active and
// returns how many were removed.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	containers, err := s.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", JobLabel)),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	removed := 0
	for _, c := range containers {
		jobID := c.Labels[JobLabel]
		if jobID == "" || s.active.Has(jobID) {
			continue
		}

		log := s.logger.With().Str("container_id", c.ID).Str("job_id", jobID).Logger()
		if err := s.docker.ContainerRemove(ctx, c.ID, container.RemoveOptions{
			Force:         true,
			RemoveVolumes: true,
		}); err != nil {
			log.Warn().Err(err).Msg("Failed to remove orphaned container")
			continue
		}
		log.Info().Msg("Removed orphaned container")
		removed++
	}

	s.metrics.RecordOrphansRemoved(removed)
	return removed, nil
}
