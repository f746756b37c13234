package agent

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/conductor/fleetagent/internal/agent/executor"
	"github.com/conductor/fleetagent/internal/job"
)

// activeJob is a job admitted by a worker. The handle is attached once
// the executor has been invoked; a cancel arriving before that is kept
// and applied on attach.
type activeJob struct {
	req       *job.Request
	startedAt time.Time

	mu        sync.Mutex
	handle    *executor.Handle
	cancelled bool
}

func newActiveJob(req *job.Request) *activeJob {
	return &activeJob{req: req, startedAt: time.Now()}
}

// attach records the executor handle, applying a pending cancel.
func (j *activeJob) attach(h *executor.Handle) {
	j.mu.Lock()
	j.handle = h
	cancelled := j.cancelled
	j.mu.Unlock()

	if cancelled {
		h.Cancel()
	}
}

// cancel requests termination. It returns false if the job is already
// terminal.
func (j *activeJob) cancel() bool {
	j.mu.Lock()
	h := j.handle
	if h == nil {
		j.cancelled = true
	}
	j.mu.Unlock()

	if h == nil {
		return true
	}
	return h.Cancel()
}

func (j *activeJob) cancelRequested() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

func (j *activeJob) status() job.Status {
	j.mu.Lock()
	h := j.handle
	j.mu.Unlock()

	if h == nil {
		return job.StatusRunning
	}
	return h.Status()
}

// Registry maps job ids to the jobs currently admitted on this agent.
type Registry struct {
	jobs  sync.Map // job id -> *activeJob
	count atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// add registers a job. It returns false if the id is already present.
func (r *Registry) add(j *activeJob) bool {
	if _, loaded := r.jobs.LoadOrStore(j.req.ID, j); loaded {
		return false
	}
	r.count.Add(1)
	return true
}

func (r *Registry) get(jobID string) (*activeJob, bool) {
	v, ok := r.jobs.Load(jobID)
	if !ok {
		return nil, false
	}
	return v.(*activeJob), true
}

func (r *Registry) remove(jobID string) {
	if _, loaded := r.jobs.LoadAndDelete(jobID); loaded {
		r.count.Add(-1)
	}
}

// Has reports whether a job is active.
func (r *Registry) Has(jobID string) bool {
	_, ok := r.jobs.Load(jobID)
	return ok
}

// Len returns the number of active jobs.
func (r *Registry) Len() int {
	return int(r.count.Load())
}

// IDs returns the ids of all active jobs.
func (r *Registry) IDs() []string {
	var ids []string
	r.jobs.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	return ids
}

func (r *Registry) each(fn func(*activeJob)) {
	r.jobs.Range(func(_, v any) bool {
		fn(v.(*activeJob))
		return true
	})
}
