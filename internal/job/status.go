package job

import (
	"fmt"
	"sync"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusFinished  Status = "FINISHED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed || s == StatusCancelled
}

// ParseStatus converts a wire value into a Status.
func ParseStatus(v string) (Status, error) {
	switch s := Status(v); s {
	case StatusRunning, StatusFinished, StatusFailed, StatusCancelled:
		return s, nil
	default:
		return "", fmt.Errorf("unknown job status %q", v)
	}
}

// Tracker holds the status of a single job and enforces monotonic
// transitions into exactly one terminal state.
type Tracker struct {
	mu     sync.Mutex
	status Status
	done   chan struct{}
}

// NewTracker returns a tracker in the RUNNING state.
func NewTracker() *Tracker {
	return &Tracker{status: StatusRunning, done: make(chan struct{})}
}

// Status returns the current status.
func (t *Tracker) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Finish moves the tracker to a terminal status. It returns false if the
// tracker was already terminal, leaving the earlier status in place.
func (t *Tracker) Finish(s Status) bool {
	if !s.Terminal() {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status.Terminal() {
		return false
	}
	t.status = s
	close(t.done)
	return true
}

// Done is closed once a terminal status is recorded.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}
