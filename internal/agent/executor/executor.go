// Package executor turns a job request into a supervised OS process,
// either taken from the pre-started pool or launched for the job alone.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/conductor/fleetagent/internal/agent/fsutil"
	"github.com/conductor/fleetagent/internal/agent/pool"
	"github.com/conductor/fleetagent/internal/agent/proc"
	"github.com/conductor/fleetagent/internal/job"
	"github.com/conductor/fleetagent/pkg/metrics"
	"github.com/conductor/fleetagent/pkg/tracing"
)

// Environment variables passed to job processes.
const (
	EnvAttachmentsDir = "FLEET_ATTACHMENTS_DIR"
	EnvJobWorkDir     = "FLEET_JOB_WORKDIR"
)

// Launch kinds.
const (
	LaunchPrefork = "prefork"
	LaunchOnetime = "onetime"
)

const uploadTimeout = 5 * time.Minute

// ExecutionError is returned when a job process could not be started or
// failed while being supervised.
type ExecutionError struct {
	JobID string
	Err   error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("job %s: execution error: %v", e.JobID, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Config configures an Executor.
type Config struct {
	// WorkDir holds the per-process working directories.
	WorkDir string

	// LogDir holds the per-job log files.
	LogDir string

	// Env is added to the environment of every job process.
	Env map[string]string
}

// Executor starts and supervises job processes.
type Executor struct {
	cfg      Config
	builder  CommandBuilder
	pool     *pool.Pool
	deps     *DependencyCache
	uploader AttachmentUploader
	killer   *proc.Killer
	logger   zerolog.Logger
	metrics  *metrics.AgentMetrics
}

// Option configures optional collaborators of an Executor.
type Option func(*Executor)

// WithPool enables pre-started processes.
func WithPool(p *pool.Pool) Option {
	return func(e *Executor) { e.pool = p }
}

// WithDependencies enables dependency resolution.
func WithDependencies(d *DependencyCache) Option {
	return func(e *Executor) { e.deps = d }
}

// WithUploader enables attachment upload after each job.
func WithUploader(u AttachmentUploader) Option {
	return func(e *Executor) { e.uploader = u }
}

// New creates an executor.
func New(cfg Config, builder CommandBuilder, killer *proc.Killer, logger zerolog.Logger, m *metrics.AgentMetrics, opts ...Option) (*Executor, error) {
	for _, dir := range []string{cfg.WorkDir, cfg.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	e := &Executor{
		cfg:     cfg,
		builder: builder,
		killer:  killer,
		logger:  logger.With().Str("component", "executor").Logger(),
		metrics: m,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// LogPath returns the log file location of a job.
func (e *Executor) LogPath(jobID string) string {
	return filepath.Join(e.cfg.LogDir, jobID+".log")
}

// Exec starts the job and returns immediately. The payload at srcDir is
// copied into the process's working directory; srcDir may be empty. A
// handle is always returned; if the process could not be started it is
// already in a terminal state and Err reports the cause.
func (e *Executor) Exec(ctx context.Context, req *job.Request, srcDir string) *Handle {
	ctx, span := tracing.StartSpan(ctx, "executor.Exec", tracing.AttrJobID.String(req.ID))
	defer span.End()

	h := newHandle(req.ID, e.LogPath(req.ID), e.killer)

	jl, err := openJobLog(h.logPath)
	if err != nil {
		tracing.RecordError(ctx, err)
		h.finish(&ExecutionError{JobID: req.ID, Err: err}, false)
		return h
	}

	entry, kind, err := e.start(ctx, req, srcDir, jl)
	if err != nil {
		tracing.RecordError(ctx, err)
		e.logger.Warn().Err(err).Str("job_id", req.ID).Msg("Failed to start job process")
		jl.Logf("Process startup error: %v", err)
		jl.Close()
		h.finish(&ExecutionError{JobID: req.ID, Err: err}, false)
		return h
	}

	h.LaunchKind = kind
	tracing.AddSpanAttributes(ctx, tracing.AttrLaunchKind.String(kind))
	e.logger.Info().
		Str("job_id", req.ID).
		Str("launch", kind).
		Int("pid", entry.Process.PID()).
		Msg("Job process started")

	h.attach(entry.Process)
	go e.supervise(context.WithoutCancel(ctx), h, entry, jl)
	return h
}

// Abandon records a job that never reached a process, for example because
// its repository could not be fetched. The cause is written to the job log
// and the returned handle is already terminal: CANCELLED if cancelled is
// set, FAILED otherwise.
func (e *Executor) Abandon(jobID string, cause error, cancelled bool) *Handle {
	h := newHandle(jobID, e.LogPath(jobID), e.killer)
	h.cancelled = cancelled

	if jl, err := openJobLog(h.logPath); err != nil {
		e.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to open job log")
	} else {
		if cause != nil {
			jl.Logf("%v", cause)
		}
		if cancelled {
			jl.Logf("Killed by user")
		}
		jl.Close()
	}

	if cause == nil && !cancelled {
		cause = errors.New("job abandoned")
	}
	if cause != nil {
		cause = &ExecutionError{JobID: jobID, Err: cause}
	}
	h.finish(cause, cancelled)
	return h
}

func (e *Executor) start(ctx context.Context, req *job.Request, srcDir string, jl *jobLog) (*pool.Entry, string, error) {
	layout := PayloadLayout{}
	if srcDir != "" {
		var err error
		if layout, err = InspectPayload(srcDir); err != nil {
			return nil, "", err
		}
	}

	var deps []string
	if uris := append(append([]string{}, req.Imports...), layout.Dependencies()...); len(uris) > 0 {
		if e.deps == nil {
			return nil, "", errors.New("job declares dependencies but no dependency cache is configured")
		}
		var err error
		if deps, err = e.deps.Resolve(ctx, uris); err != nil {
			return nil, "", err
		}
	}

	depsFile, err := writeDepsList(filepath.Join(e.cfg.WorkDir, "deps"), deps)
	if err != nil {
		return nil, "", err
	}

	cmd := e.builder.Build(layout, depsFile)
	if layout.Debug() {
		jl.Logf("Command: %s", strings.Join(cmd, " "))
	}

	prepare := func(procDir string) error {
		return preparePayload(procDir, srcDir, deps, req.ID)
	}

	if e.pool != nil && layout.CanUsePrefork() {
		entry, err := e.pool.Take(CommandHash(cmd), func() (*pool.Entry, error) {
			return e.launch(cmd, LaunchPrefork, nil)
		})
		if err != nil {
			return nil, "", err
		}
		// The pre-started process waits for the instance-id marker, which
		// preparePayload writes last.
		if err := prepare(entry.WorkDir); err != nil {
			e.pool.Destroy(entry)
			return nil, "", err
		}
		return entry, LaunchPrefork, nil
	}

	entry, err := e.launch(cmd, LaunchOnetime, prepare)
	if err != nil {
		return nil, "", err
	}
	return entry, LaunchOnetime, nil
}

// launch creates a fresh working directory and starts cmd in it. prepare,
// if set, fills the directory before the process starts.
func (e *Executor) launch(cmd []string, kind string, prepare func(procDir string) error) (*pool.Entry, error) {
	procDir := filepath.Join(e.cfg.WorkDir, kind, uuid.NewString())
	payload := filepath.Join(procDir, "payload")
	if err := os.MkdirAll(payload, 0o755); err != nil {
		return nil, err
	}

	if prepare != nil {
		if err := prepare(procDir); err != nil {
			os.RemoveAll(procDir)
			return nil, err
		}
	}

	p, err := proc.Start(proc.Spec{Args: cmd, Dir: procDir, Env: e.environ(procDir)})
	if err != nil {
		os.RemoveAll(procDir)
		return nil, err
	}

	return &pool.Entry{
		Process:   p,
		Output:    p.Output(),
		WorkDir:   procDir,
		CreatedAt: time.Now(),
	}, nil
}

func (e *Executor) environ(procDir string) []string {
	env := os.Environ()
	for k, v := range e.cfg.Env {
		env = append(env, k+"="+v)
	}
	payload := filepath.Join(procDir, "payload")
	return append(env,
		EnvAttachmentsDir+"="+filepath.Join(payload, AttachmentsDir),
		EnvJobWorkDir+"="+payload,
	)
}

// preparePayload copies the job payload into procDir, links dependencies
// and writes the instance-id marker.
func preparePayload(procDir, srcDir string, deps []string, jobID string) error {
	payload := filepath.Join(procDir, "payload")
	if srcDir != "" {
		if err := fsutil.CopyDir(srcDir, payload, ".git"); err != nil {
			return fmt.Errorf("failed to copy payload: %w", err)
		}
	}
	if err := linkDependencies(filepath.Join(payload, LibDir), deps); err != nil {
		return err
	}
	// Written then renamed so a waiting process never reads a partial id.
	tmp := filepath.Join(procDir, "."+InstanceIDFile)
	if err := os.WriteFile(tmp, []byte(jobID), 0o644); err != nil {
		return fmt.Errorf("failed to write instance id: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(procDir, InstanceIDFile)); err != nil {
		return fmt.Errorf("failed to write instance id: %w", err)
	}
	return nil
}

func (e *Executor) supervise(ctx context.Context, h *Handle, entry *pool.Entry, jl *jobLog) {
	log := e.logger.With().Str("job_id", h.JobID).Logger()

	if _, err := io.Copy(jl, entry.Output); err != nil && !errors.Is(err, os.ErrClosed) {
		log.Warn().Err(err).Msg("Failed to read process output")
	}

	code, err := entry.Process.Wait(ctx)

	var execErr error
	cancelled := h.cancelRequested()
	switch {
	case cancelled:
		jl.Logf("Killed by user")
	case err != nil:
		execErr = &ExecutionError{JobID: h.JobID, Err: err}
		jl.Logf("Process error: %v", err)
		e.killer.Kill(entry.Process)
	case code != 0:
		execErr = &ExecutionError{JobID: h.JobID, Err: fmt.Errorf("process exit code: %d", code)}
		jl.Logf("Process exit code: %d", code)
	default:
		jl.Logf("Process finished with: 0")
	}

	e.postProcess(ctx, h.JobID, entry.WorkDir, jl)

	entry.Output.Close()
	if err := os.RemoveAll(entry.WorkDir); err != nil {
		log.Warn().Err(err).Str("dir", entry.WorkDir).Msg("Failed to remove working directory")
	}
	if err := jl.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close job log")
	}

	h.finish(execErr, cancelled)
	log.Info().Str("status", string(h.Status())).Int("exit_code", code).Msg("Job process completed")
}

// postProcess uploads the attachments directory. Failures are logged only.
func (e *Executor) postProcess(ctx context.Context, jobID, procDir string, jl *jobLog) {
	if e.uploader == nil {
		return
	}

	archive, err := zipAttachments(filepath.Join(procDir, "payload", AttachmentsDir))
	if err != nil {
		e.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to archive attachments")
		jl.Logf("Error while archiving attachments: %v", err)
		return
	}
	if archive == nil {
		return
	}
	defer func() {
		archive.Close()
		os.Remove(archive.Name())
	}()

	fi, err := archive.Stat()
	if err != nil {
		e.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to archive attachments")
		return
	}

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()
	if err := e.uploader.UploadAttachments(ctx, jobID, archive, fi.Size()); err != nil {
		e.logger.Warn().Err(err).Str("job_id", jobID).Msg("Failed to upload attachments")
		jl.Logf("Error while uploading attachments: %v", err)
	}
}

// Handle tracks a started job.
type Handle struct {
	JobID      string
	LaunchKind string

	logPath string
	tracker *job.Tracker
	killer  *proc.Killer

	mu        sync.Mutex
	process   proc.Process
	cancelled bool
	err       error
}

func newHandle(jobID, logPath string, killer *proc.Killer) *Handle {
	return &Handle{
		JobID:   jobID,
		logPath: logPath,
		tracker: job.NewTracker(),
		killer:  killer,
	}
}

func (h *Handle) attach(p proc.Process) {
	h.mu.Lock()
	h.process = p
	cancelled := h.cancelled
	h.mu.Unlock()

	if cancelled {
		go h.killer.Kill(p)
	}
}

func (h *Handle) cancelRequested() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// finish records the terminal status. cancelled is the decision already
// written to the job log and takes priority over failure.
func (h *Handle) finish(err error, cancelled bool) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()

	switch {
	case cancelled:
		h.tracker.Finish(job.StatusCancelled)
	case err != nil:
		h.tracker.Finish(job.StatusFailed)
	default:
		h.tracker.Finish(job.StatusFinished)
	}
}

// Status returns the current job status.
func (h *Handle) Status() job.Status {
	return h.tracker.Status()
}

// Running reports whether the job has not reached a terminal status.
func (h *Handle) Running() bool {
	return !h.Status().Terminal()
}

// Done is closed when the job reaches a terminal status.
func (h *Handle) Done() <-chan struct{} {
	return h.tracker.Done()
}

// Wait blocks until the job is terminal or ctx is done.
func (h *Handle) Wait(ctx context.Context) (job.Status, error) {
	select {
	case <-h.Done():
		return h.Status(), nil
	case <-ctx.Done():
		return h.Status(), ctx.Err()
	}
}

// Err returns the execution error of a failed job.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// LogPath returns the job's log file.
func (h *Handle) LogPath() string {
	return h.logPath
}

// Cancel requests termination. It returns false if the job is already
// terminal, in which case nothing changes.
func (h *Handle) Cancel() bool {
	if !h.Running() {
		return false
	}

	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return true
	}
	h.cancelled = true
	p := h.process
	h.mu.Unlock()

	if p != nil {
		go h.killer.Kill(p)
	}
	return true
}
