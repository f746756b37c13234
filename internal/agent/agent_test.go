package agent

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/conductor/fleetagent/internal/agent/executor"
	"github.com/conductor/fleetagent/internal/agent/proc"
	"github.com/conductor/fleetagent/internal/agent/queue"
	"github.com/conductor/fleetagent/internal/job"
)

type mockQueue struct {
	mock.Mock
}

func (m *mockQueue) PollJob(ctx context.Context) (*job.Request, error) {
	args := m.Called(ctx)
	req, _ := args.Get(0).(*job.Request)
	return req, args.Error(1)
}

func (m *mockQueue) UpdateStatus(ctx context.Context, jobID string, status job.Status) error {
	return m.Called(ctx, jobID, status).Error(0)
}

func (m *mockQueue) AppendLog(ctx context.Context, jobID string, data []byte) error {
	return m.Called(ctx, jobID, data).Error(0)
}

func (m *mockQueue) UploadAttachments(ctx context.Context, jobID string, archive io.Reader, size int64) error {
	return m.Called(ctx, jobID, archive, size).Error(0)
}

func (m *mockQueue) DownloadState(ctx context.Context, jobID string, w io.Writer) error {
	return m.Called(ctx, jobID, w).Error(0)
}

func (m *mockQueue) PollCommand(ctx context.Context) (*queue.Command, error) {
	args := m.Called(ctx)
	cmd, _ := args.Get(0).(*queue.Command)
	return cmd, args.Error(1)
}

func (m *mockQueue) SetMaintenanceMode(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type scriptBuilder struct {
	script string
}

func (b scriptBuilder) Build(executor.PayloadLayout, string) []string {
	return []string{"/bin/sh", "-c", b.script}
}

type statusEvent struct {
	jobID  string
	status job.Status
	at     time.Time
}

// statusRecorder tracks reported statuses and the peak number of jobs
// reported RUNNING at the same time.
type statusRecorder struct {
	mu         sync.Mutex
	events     []statusEvent
	running    int
	maxRunning int
}

func (r *statusRecorder) record(args mock.Arguments) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ev := statusEvent{jobID: args.String(1), status: args.Get(2).(job.Status), at: time.Now()}
	r.events = append(r.events, ev)
	if ev.status == job.StatusRunning {
		r.running++
		if r.running > r.maxRunning {
			r.maxRunning = r.running
		}
	} else {
		r.running--
	}
}

func (r *statusRecorder) find(jobID string, status job.Status) (statusEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.jobID == jobID && ev.status == status {
			return ev, true
		}
	}
	return statusEvent{}, false
}

func (r *statusRecorder) terminal(jobID string) (job.Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ev := range r.events {
		if ev.jobID == jobID && ev.status.Terminal() {
			return ev.status, true
		}
	}
	return "", false
}

type logRecorder struct {
	mu   sync.Mutex
	logs map[string]*bytes.Buffer
}

func (r *logRecorder) record(args mock.Arguments) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := args.String(1)
	if r.logs[id] == nil {
		r.logs[id] = &bytes.Buffer{}
	}
	r.logs[id].Write(args.Get(2).([]byte))
}

func (r *logRecorder) get(jobID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b := r.logs[jobID]; b != nil {
		return b.String()
	}
	return ""
}

type harness struct {
	t        *testing.T
	cfg      *Config
	q        *mockQueue
	exec     *executor.Executor
	deps     Deps
	agent    *Agent
	statuses *statusRecorder
	logs     *logRecorder
	polls    atomic.Int64

	cancel context.CancelFunc
	done   chan error
}

func testConfig(t *testing.T) *Config {
	cfg := Default()
	cfg.AgentID = "agent-test"
	cfg.QueueURL = "http://queue"
	cfg.QueueToken = "token"
	cfg.WorkDir = t.TempDir()
	cfg.StateDir = t.TempDir()
	cfg.Workers = 2
	cfg.PollInterval = 10 * time.Millisecond
	cfg.CommandPollInterval = 10 * time.Millisecond
	cfg.LogPollInterval = 10 * time.Millisecond
	cfg.LogMaxDelay = 50 * time.Millisecond
	cfg.DrainTimeout = 5 * time.Second
	cfg.PreforkEnabled = false
	return cfg
}

func newHarness(t *testing.T, script string) *harness {
	t.Helper()
	cfg := testConfig(t)

	killer := proc.NewKiller(zerolog.Nop(), nil)
	killer.GracePeriod = 200 * time.Millisecond
	killer.RetryInterval = 100 * time.Millisecond

	exec, err := executor.New(executor.Config{
		WorkDir: cfg.ProcessDir(),
		LogDir:  cfg.LogDir(),
	}, scriptBuilder{script: script}, killer, zerolog.Nop(), nil)
	require.NoError(t, err)

	h := &harness{
		t:        t,
		cfg:      cfg,
		q:        &mockQueue{},
		exec:     exec,
		statuses: &statusRecorder{},
		logs:     &logRecorder{logs: map[string]*bytes.Buffer{}},
	}
	h.deps = Deps{Queue: h.q, Executor: exec, Logger: zerolog.Nop()}
	return h
}

// start registers the queued jobs and the default expectations, then
// runs the agent. Expectations registered before start take precedence.
func (h *harness) start(jobs ...*job.Request) {
	h.t.Helper()

	for _, req := range jobs {
		h.q.On("PollJob", mock.Anything).Return(req, nil).Once()
	}
	h.q.On("PollJob", mock.Anything).Run(func(mock.Arguments) { h.polls.Add(1) }).Return(nil, nil)
	h.q.On("UpdateStatus", mock.Anything, mock.Anything, mock.Anything).Run(h.statuses.record).Return(nil)
	h.q.On("AppendLog", mock.Anything, mock.Anything, mock.Anything).Run(h.logs.record).Return(nil)
	h.q.On("DownloadState", mock.Anything, mock.Anything, mock.Anything).Return(queue.ErrNoState)
	h.q.On("PollCommand", mock.Anything).Return(nil, nil)
	h.q.On("SetMaintenanceMode", mock.Anything).Return(nil)

	a, err := New(h.cfg, h.deps)
	require.NoError(h.t, err)
	h.agent = a

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan error, 1)
	go func() { h.done <- a.Run(ctx) }()

	h.t.Cleanup(func() { h.stop() })
}

func (h *harness) stop() error {
	h.cancel()
	select {
	case err := <-h.done:
		h.done <- err
		return err
	case <-time.After(10 * time.Second):
		h.t.Fatal("agent did not stop")
		return nil
	}
}

func (h *harness) waitTerminal(jobID string) job.Status {
	h.t.Helper()
	var status job.Status
	require.Eventually(h.t, func() bool {
		var ok bool
		status, ok = h.statuses.terminal(jobID)
		return ok
	}, 10*time.Second, 10*time.Millisecond, "job %s did not finish", jobID)
	return status
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(testConfig(t), Deps{})
	assert.Error(t, err)

	_, err = New(testConfig(t), Deps{Queue: &mockQueue{}})
	assert.Error(t, err)
}

func TestAgent_RunsJob(t *testing.T) {
	h := newHarness(t, `echo "hello from $FLEET_JOB_WORKDIR"`)
	h.start(&job.Request{ID: "job-1"})

	assert.Equal(t, job.StatusFinished, h.waitTerminal("job-1"))
	_, ok := h.statuses.find("job-1", job.StatusRunning)
	assert.True(t, ok, "RUNNING is reported before the terminal status")

	log := h.logs.get("job-1")
	assert.Contains(t, log, "hello from")
	assert.Contains(t, log, "Process finished with: 0")

	require.Eventually(t, func() bool {
		status, ok := h.agent.JobStatus("job-1")
		return ok && status == job.StatusFinished && h.agent.registry.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, err := os.Stat(filepath.Join(h.cfg.PayloadDir(), "job-1"))
	assert.True(t, os.IsNotExist(err), "payload directory is removed")
	_, err = os.Stat(h.exec.LogPath("job-1"))
	assert.True(t, os.IsNotExist(err), "job log is removed")
}

func TestAgent_FailedJob(t *testing.T) {
	h := newHarness(t, "echo broken >&2; exit 2")
	h.start(&job.Request{ID: "job-fail"})

	assert.Equal(t, job.StatusFailed, h.waitTerminal("job-fail"))
	assert.Contains(t, h.logs.get("job-fail"), "Process exit code: 2")
}

func TestAgent_BoundedAdmission(t *testing.T) {
	h := newHarness(t, "sleep 0.3")
	h.start(&job.Request{ID: "a"}, &job.Request{ID: "b"}, &job.Request{ID: "c"})

	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, job.StatusFinished, h.waitTerminal(id))
	}

	h.statuses.mu.Lock()
	maxRunning := h.statuses.maxRunning
	h.statuses.mu.Unlock()
	assert.LessOrEqual(t, maxRunning, 2)

	// The third job is admitted only after one of the first two finished.
	var first, last statusEvent
	var admitted []statusEvent
	for _, id := range []string{"a", "b", "c"} {
		ev, ok := h.statuses.find(id, job.StatusRunning)
		require.True(t, ok)
		admitted = append(admitted, ev)
	}
	last = admitted[0]
	for _, ev := range admitted[1:] {
		if ev.at.After(last.at) {
			last = ev
		}
	}
	for _, id := range []string{"a", "b", "c"} {
		if id == last.jobID {
			continue
		}
		ev, _ := h.statuses.find(id, job.StatusFinished)
		if first.at.IsZero() || ev.at.Before(first.at) {
			first = ev
		}
	}
	assert.False(t, last.at.Before(first.at), "job %s started before any slot was released", last.jobID)
}

func TestAgent_CancelRunningJob(t *testing.T) {
	h := newHarness(t, "echo started; sleep 30")
	h.start(&job.Request{ID: "job-cancel"})

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(h.logs.get("job-cancel")), []byte("started"))
	}, 5*time.Second, 10*time.Millisecond)

	h.agent.handleCommand(&queue.Command{Type: queue.CommandCancel, JobID: "job-cancel"})

	assert.Equal(t, job.StatusCancelled, h.waitTerminal("job-cancel"))
	_, failed := h.statuses.find("job-cancel", job.StatusFailed)
	assert.False(t, failed)
	assert.Contains(t, h.logs.get("job-cancel"), "Killed by user")

	// A second cancel after completion changes nothing.
	require.Eventually(t, func() bool { return h.agent.registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, h.agent.CancelJob("job-cancel"))
	status, ok := h.agent.JobStatus("job-cancel")
	require.True(t, ok)
	assert.Equal(t, job.StatusCancelled, status)
}

func TestAgent_CancelCommandFromQueue(t *testing.T) {
	h := newHarness(t, "echo started; sleep 30")

	started := make(chan time.Time)
	var once sync.Once
	release := func() { once.Do(func() { close(started) }) }
	defer release()

	h.q.On("PollCommand", mock.Anything).
		WaitUntil(started).
		Return(&queue.Command{Type: queue.CommandCancel, JobID: "job-remote"}, nil).
		Once()
	h.start(&job.Request{ID: "job-remote"})

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(h.logs.get("job-remote")), []byte("started"))
	}, 5*time.Second, 10*time.Millisecond)
	release()

	assert.Equal(t, job.StatusCancelled, h.waitTerminal("job-remote"))
}

func TestAgent_CancelUnknownJob(t *testing.T) {
	h := newHarness(t, "true")
	h.start()

	assert.False(t, h.agent.CancelJob("nope"))
}

func TestAgent_MaintenanceDrain(t *testing.T) {
	h := newHarness(t, "sleep 0.4")
	h.start(&job.Request{ID: "job-drain"})

	require.Eventually(t, func() bool {
		_, ok := h.statuses.find("job-drain", job.StatusRunning)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	var (
		mu      sync.Mutex
		samples []int
	)
	sampling := make(chan struct{})
	go func() {
		defer close(sampling)
		for i := 0; i < 100; i++ {
			mu.Lock()
			samples = append(samples, h.agent.Maintenance().BusyWorkers())
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
		}
	}()

	busy := h.agent.RequestDrain(context.Background())
	assert.Equal(t, 0, busy)
	assert.True(t, h.agent.Maintenance().Enabled())
	h.q.AssertCalled(t, "SetMaintenanceMode", mock.Anything)
	<-sampling

	mu.Lock()
	for i := 1; i < len(samples); i++ {
		assert.LessOrEqual(t, samples[i], samples[i-1], "busy count must not increase during drain")
	}
	mu.Unlock()

	// Let polls already in flight settle, then verify none follow.
	time.Sleep(50 * time.Millisecond)
	polls := h.polls.Load()
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, polls, h.polls.Load(), "no polling while in maintenance mode")

	h.agent.Maintenance().Set(false)
	require.Eventually(t, func() bool { return h.polls.Load() > polls }, 2*time.Second, 10*time.Millisecond)
}

func TestAgent_DrainTimeoutReportsBusy(t *testing.T) {
	h := newHarness(t, "echo started; sleep 30")
	h.cfg.DrainTimeout = 100 * time.Millisecond
	h.start(&job.Request{ID: "job-long"})

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(h.logs.get("job-long")), []byte("started"))
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, h.agent.RequestDrain(context.Background()))

	// Shutdown cancels the running job.
	require.NoError(t, h.stop())
	status, ok := h.statuses.terminal("job-long")
	require.True(t, ok)
	assert.Equal(t, job.StatusCancelled, status)
}

func TestAgent_ShutdownForwardsFinalLogLines(t *testing.T) {
	h := newHarness(t, `echo started; trap 'echo trapped-term; exit 0' TERM; while true; do sleep 0.05; done`)
	h.start(&job.Request{ID: "job-trap"})

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(h.logs.get("job-trap")), []byte("started"))
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.stop())
	status, ok := h.statuses.terminal("job-trap")
	require.True(t, ok)
	assert.Equal(t, job.StatusCancelled, status)

	log := h.logs.get("job-trap")
	assert.Contains(t, log, "trapped-term")
	assert.Contains(t, log, "Killed by user")
}

type fakeRepos struct {
	dir string
	err error
}

func (f fakeRepos) Fetch(context.Context, string, *job.RepositoryRef) (string, error) {
	return f.dir, f.err
}

func TestAgent_ExportsRepositoryAndState(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "hello.txt"), []byte("from repo"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "state.txt"), []byte("stale"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, ".git"), 0o755))

	var archive bytes.Buffer
	zw := zip.NewWriter(&archive)
	w, err := zw.Create("state.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("restored"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	h := newHarness(t, "cat payload/hello.txt; echo; cat payload/state.txt; echo; ls -a payload")
	h.deps.Repos = fakeRepos{dir: src}
	h.q.On("DownloadState", mock.Anything, "job-repo", mock.Anything).
		Run(func(args mock.Arguments) {
			_, _ = args.Get(2).(io.Writer).Write(archive.Bytes())
		}).
		Return(nil).
		Once()
	h.start(&job.Request{ID: "job-repo", ProjectID: "p1", Repository: &job.RepositoryRef{URL: "https://git/x.git"}})

	assert.Equal(t, job.StatusFinished, h.waitTerminal("job-repo"))
	log := h.logs.get("job-repo")
	assert.Contains(t, log, "from repo")
	assert.Contains(t, log, "restored")
	assert.NotContains(t, log, "stale")
	assert.NotContains(t, log, ".git")
}

func TestAgent_RepositoryFailure(t *testing.T) {
	h := newHarness(t, "echo should not run")
	h.deps.Repos = fakeRepos{err: errors.New("repository x (main) not found")}
	h.start(&job.Request{ID: "job-norepo", Repository: &job.RepositoryRef{URL: "https://git/x.git", Branch: "main"}})

	assert.Equal(t, job.StatusFailed, h.waitTerminal("job-norepo"))
	log := h.logs.get("job-norepo")
	assert.Contains(t, log, "repository x (main) not found")
	assert.NotContains(t, log, "should not run")
}

func TestAgent_RecoversStaleJobs(t *testing.T) {
	h := newHarness(t, "true")
	state, err := NewState(h.cfg.StateDir)
	require.NoError(t, err)
	require.NoError(t, state.SaveJob(&job.Request{ID: "lost"}, job.StatusRunning))
	h.deps.State = state

	h.start()

	assert.Equal(t, job.StatusFailed, h.waitTerminal("lost"))
	require.NoError(t, h.stop())

	reopened, err := NewState(h.cfg.StateDir)
	require.NoError(t, err)
	defer reopened.Close()
	running, err := reopened.RunningJobs()
	require.NoError(t, err)
	assert.Empty(t, running)
}

func TestAgent_InvalidJobID(t *testing.T) {
	h := newHarness(t, "true")
	h.start(&job.Request{ID: "../escape"}, &job.Request{ID: "ok"})

	assert.Equal(t, job.StatusFinished, h.waitTerminal("ok"))
	assert.Equal(t, job.StatusFailed, h.waitTerminal("../escape"))
	_, ok := h.statuses.find("../escape", job.StatusRunning)
	assert.False(t, ok, "a rejected job never runs")
}

func TestSlot_ReleaseTwice(t *testing.T) {
	h := newHarness(t, "true")
	a, err := New(h.cfg, h.deps)
	require.NoError(t, err)

	s, err := a.acquireSlot(context.Background())
	require.NoError(t, err)
	require.NoError(t, s.release())

	err = s.release()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIllegalState))

	// The semaphore was released exactly once: all slots are available.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, a.slots.Acquire(ctx, int64(h.cfg.Workers)))
	assert.False(t, a.slots.TryAcquire(1))
}
