// Package queue talks to the central job queue.
package queue

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/conductor/fleetagent/internal/job"
)

// ErrNoState is returned by DownloadState when the job has no payload.
var ErrNoState = errors.New("job has no state")

// CommandType identifies a side-channel command.
type CommandType string

const (
	CommandCancel CommandType = "CANCEL_JOB"
)

// Command is a side-channel instruction for a running job.
type Command struct {
	Type  CommandType `json:"type"`
	JobID string      `json:"jobId"`
}

// Client is the queue protocol used by the agent. Implementations retry
// transport failures until ctx is done, except for AppendLog.
type Client interface {
	// PollJob returns the next job, or nil if the queue is empty.
	PollJob(ctx context.Context) (*job.Request, error)
	UpdateStatus(ctx context.Context, jobID string, status job.Status) error
	AppendLog(ctx context.Context, jobID string, data []byte) error
	UploadAttachments(ctx context.Context, jobID string, archive io.Reader, size int64) error
	// DownloadState writes the zipped job payload to w.
	DownloadState(ctx context.Context, jobID string, w io.Writer) error
	// PollCommand returns the next command for this agent, or nil.
	PollCommand(ctx context.Context) (*Command, error)
	// SetMaintenanceMode tells the queue this agent is draining.
	SetMaintenanceMode(ctx context.Context) error
}

// TransportError means the queue could not be reached or answered with a
// server-side failure. It is retried and never fails a job on its own.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("queue %s: unexpected status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("queue %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusError is a non-retryable rejection from the queue.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("queue %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("queue %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}
