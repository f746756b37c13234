package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/conductor/fleetagent/internal/agent/executor"
	"github.com/conductor/fleetagent/internal/agent/logstream"
	"github.com/conductor/fleetagent/internal/agent/orphans"
	"github.com/conductor/fleetagent/internal/agent/pool"
	"github.com/conductor/fleetagent/internal/agent/queue"
	"github.com/conductor/fleetagent/internal/job"
	"github.com/conductor/fleetagent/pkg/metrics"
	"github.com/conductor/fleetagent/pkg/tracing"
)

// Version is the agent software version.
const Version = "0.1.0"

// finalReportTimeout bounds status reports sent while shutting down.
const finalReportTimeout = 10 * time.Second

// ErrIllegalState is returned when an admission slot is released twice.
var ErrIllegalState = errors.New("illegal state")

// Repositories resolves job repositories to local checkouts.
type Repositories interface {
	Fetch(ctx context.Context, projectID string, ref *job.RepositoryRef) (string, error)
}

// Deps are the collaborators of an Agent. Queue and Executor are
// required; the rest are optional.
type Deps struct {
	Queue    queue.Client
	Executor *executor.Executor
	Repos    Repositories
	Pool     *pool.Pool
	State    *State
	Docker   orphans.DockerAPI
	Logger   zerolog.Logger
	Metrics  *metrics.AgentMetrics
}

// Agent polls the queue, runs at most Workers jobs at a time and reports
// their status and logs.
type Agent struct {
	cfg    *Config
	logger zerolog.Logger

	queue    queue.Client
	exec     *executor.Executor
	repos    Repositories
	pool     *pool.Pool
	state    *State
	streamer *logstream.Streamer
	sweeper  *orphans.Sweeper

	registry    *Registry
	statuses    *StatusCache
	maintenance *Maintenance
	slots       *semaphore.Weighted
	metrics     *metrics.AgentMetrics
}

// New creates an agent.
func New(cfg *Config, deps Deps) (*Agent, error) {
	if deps.Queue == nil {
		return nil, errors.New("queue client is required")
	}
	if deps.Executor == nil {
		return nil, errors.New("executor is required")
	}

	logger := deps.Logger.With().Str("component", "agent").Logger()
	registry := NewRegistry()

	a := &Agent{
		cfg:      cfg,
		logger:   logger,
		queue:    deps.Queue,
		exec:     deps.Executor,
		repos:    deps.Repos,
		pool:     deps.Pool,
		state:    deps.State,
		registry: registry,
		statuses: NewStatusCache(cfg.StatusRetention, cfg.StatusRetention/4),
		slots:    semaphore.NewWeighted(int64(cfg.Workers)),
		metrics:  deps.Metrics,
		streamer: logstream.New(deps.Queue, logstream.Config{
			BufferSize:   cfg.LogBufferSize,
			PollInterval: cfg.LogPollInterval,
			MaxDelay:     cfg.LogMaxDelay,
			FinalTimeout: finalReportTimeout,
		}, deps.Logger, deps.Metrics),
		maintenance: NewMaintenance(deps.Queue, registry, cfg.DrainTimeout, deps.Logger, deps.Metrics),
	}

	if deps.Docker != nil {
		a.sweeper = orphans.New(deps.Docker, registry, cfg.OrphanSweepInterval, deps.Logger, deps.Metrics)
	}
	return a, nil
}

// Maintenance returns the maintenance controller.
func (a *Agent) Maintenance() *Maintenance {
	return a.maintenance
}

// RequestDrain implements Controller.
func (a *Agent) RequestDrain(ctx context.Context) int {
	return a.maintenance.RequestDrain(ctx)
}

// JobStatus implements Controller.
func (a *Agent) JobStatus(jobID string) (job.Status, bool) {
	if aj, ok := a.registry.get(jobID); ok {
		return aj.status(), true
	}
	return a.statuses.Get(jobID)
}

// Run starts the workers and background loops and blocks until ctx is
// done. Running jobs are cancelled on shutdown and waited for.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info().
		Str("agent_id", a.cfg.AgentID).
		Str("version", Version).
		Int("workers", a.cfg.Workers).
		Msg("Starting agent")

	if err := a.ensureDirectories(); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}

	if err := a.recoverStaleJobs(ctx); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to recover jobs from previous session")
	}

	g, gctx := errgroup.WithContext(ctx)

	if a.pool != nil {
		g.Go(func() error {
			a.pool.Run(gctx.Done())
			return nil
		})
	}
	if a.sweeper != nil {
		g.Go(func() error {
			a.sweeper.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		a.commandLoop(gctx)
		return nil
	})
	for i := 0; i < a.cfg.Workers; i++ {
		g.Go(func() error {
			return a.worker(gctx, i)
		})
	}

	err := g.Wait()
	a.shutdown()
	return err
}

func (a *Agent) shutdown() {
	a.logger.Info().Msg("Stopping agent")

	if a.pool != nil {
		a.pool.Close()
	}
	if a.state != nil {
		if err := a.state.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Error closing state")
		}
	}
}

// slot is one unit of admission capacity.
type slot struct {
	released atomic.Bool
	sem      *semaphore.Weighted
	metrics  *metrics.AgentMetrics
}

func (a *Agent) acquireSlot(ctx context.Context) (*slot, error) {
	if err := a.slots.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	a.metrics.SlotAcquired()
	return &slot{sem: a.slots, metrics: a.metrics}, nil
}

// release returns the slot. Releasing twice is a bug and returns
// ErrIllegalState without touching the semaphore.
func (s *slot) release() error {
	if !s.released.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: admission slot released twice", ErrIllegalState)
	}
	s.sem.Release(1)
	s.metrics.SlotReleased()
	return nil
}

// worker runs the admission loop: wait out maintenance, take a slot,
// poll one job and run it to completion.
func (a *Agent) worker(ctx context.Context, id int) error {
	logger := a.logger.With().Int("worker_id", id).Logger()
	logger.Debug().Msg("Worker started")

	for {
		if err := a.maintenance.Wait(ctx); err != nil {
			return nil
		}

		s, err := a.acquireSlot(ctx)
		if err != nil {
			return nil
		}

		if a.maintenance.Enabled() {
			if err := s.release(); err != nil {
				return err
			}
			continue
		}

		req, err := a.queue.PollJob(ctx)
		if req == nil {
			if err := s.release(); err != nil {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			if err != nil {
				logger.Error().Err(err).Msg("Failed to poll job")
			}
			if !sleep(ctx, a.cfg.PollInterval) {
				return nil
			}
			continue
		}

		a.runJob(ctx, req, logger)
		if err := s.release(); err != nil {
			return err
		}
	}
}

// runJob executes one job, streams its log and reports its terminal
// status. It returns once the job is terminal.
func (a *Agent) runJob(ctx context.Context, req *job.Request, logger zerolog.Logger) {
	start := time.Now()
	logger = logger.With().Str("job_id", req.ID).Logger()

	if !validJobID(req.ID) {
		logger.Error().Msg("Rejecting job with invalid id")
		a.reportStatus(ctx, req.ID, job.StatusFailed, logger)
		return
	}

	ctx, span := tracing.StartSpan(ctx, "agent.job",
		tracing.AttrJobID.String(req.ID),
		tracing.AttrAgentID.String(a.cfg.AgentID),
	)
	defer span.End()

	aj := newActiveJob(req)
	if !a.registry.add(aj) {
		logger.Warn().Msg("Job is already running on this agent")
		return
	}
	a.metrics.SetActiveJobs(a.registry.Len())
	logger.Info().Msg("Job admitted")

	if a.state != nil {
		if err := a.state.SaveJob(req, job.StatusRunning); err != nil {
			logger.Warn().Err(err).Msg("Failed to save job state")
		}
	}
	a.reportStatus(ctx, req.ID, job.StatusRunning, logger)

	h := a.execute(ctx, aj)
	aj.attach(h)

	// Shutdown cancels the job while the streamer keeps following its log
	// up to the terminal status.
	stopShutdownCancel := context.AfterFunc(ctx, func() {
		if aj.cancel() {
			logger.Info().Msg("Cancelling job for shutdown")
		}
	})
	defer stopShutdownCancel()

	if err := a.streamer.Stream(ctx, req.ID, h.LogPath(), h.Running); err != nil && ctx.Err() == nil {
		logger.Warn().Err(err).Msg("Log streaming stopped")
	}
	<-h.Done()

	status := h.Status()
	if err := h.Err(); err != nil && status == job.StatusFailed {
		tracing.RecordError(ctx, err)
	}
	tracing.AddSpanAttributes(ctx, tracing.AttrJobStatus.String(string(status)))

	reportCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		reportCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), finalReportTimeout)
		defer cancel()
	}
	a.reportStatus(reportCtx, req.ID, status, logger)

	a.statuses.Set(req.ID, status)
	if a.state != nil {
		if err := a.state.DeleteJob(req.ID); err != nil {
			logger.Warn().Err(err).Msg("Failed to delete job state")
		}
	}
	a.cleanup(req.ID, h.LogPath(), logger)

	a.registry.remove(req.ID)
	a.metrics.SetActiveJobs(a.registry.Len())

	launch := h.LaunchKind
	if launch == "" {
		launch = "none"
	}
	duration := time.Since(start)
	a.metrics.RecordJobComplete(string(status), launch, duration.Seconds())
	logger.Info().
		Str("status", string(status)).
		Str("launch", launch).
		Dur("duration", duration).
		Msg("Job completed")
}

// execute prepares the payload and hands the job to the executor. Jobs
// that fail or are cancelled before a process starts get a terminal
// handle carrying the cause.
func (a *Agent) execute(ctx context.Context, aj *activeJob) *executor.Handle {
	srcDir, err := a.prepareWorkspace(ctx, aj.req)
	if err != nil || aj.cancelRequested() {
		if err != nil {
			a.logger.Warn().Err(err).Str("job_id", aj.req.ID).Msg("Failed to prepare job")
		}
		return a.exec.Abandon(aj.req.ID, err, aj.cancelRequested())
	}
	return a.exec.Exec(ctx, aj.req, srcDir)
}

func (a *Agent) reportStatus(ctx context.Context, jobID string, status job.Status, logger zerolog.Logger) {
	if err := a.queue.UpdateStatus(ctx, jobID, status); err != nil {
		logger.Error().Err(err).Str("status", string(status)).Msg("Failed to report job status")
	}
}

func (a *Agent) cleanup(jobID, logPath string, logger zerolog.Logger) {
	if err := os.RemoveAll(a.payloadDir(jobID)); err != nil {
		logger.Warn().Err(err).Msg("Failed to remove payload directory")
	}
	if err := os.Remove(logPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn().Err(err).Msg("Failed to remove job log")
	}
}

// recoverStaleJobs reports jobs left RUNNING by a previous agent process
// as FAILED.
func (a *Agent) recoverStaleJobs(ctx context.Context) error {
	if a.state == nil {
		return nil
	}

	jobs, err := a.state.RunningJobs()
	if err != nil {
		return err
	}

	for _, st := range jobs {
		a.logger.Info().Str("job_id", st.JobID).Msg("Found running job from previous session")
		a.reportStatus(ctx, st.JobID, job.StatusFailed, a.logger)
		a.statuses.Set(st.JobID, job.StatusFailed)
		if err := a.state.DeleteJob(st.JobID); err != nil {
			a.logger.Warn().Err(err).Str("job_id", st.JobID).Msg("Failed to delete recovered job state")
		}
	}
	return nil
}

// ensureDirectories creates required directories.
func (a *Agent) ensureDirectories() error {
	dirs := []string{
		a.cfg.WorkDir,
		a.cfg.PayloadDir(),
		a.cfg.LogDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// sleep waits for d or until ctx is done. It returns false if ctx is done.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
