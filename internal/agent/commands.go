package agent

import (
	"context"

	"github.com/conductor/fleetagent/internal/agent/queue"
)

// commandLoop polls the queue for side-channel commands until ctx is done.
func (a *Agent) commandLoop(ctx context.Context) {
	logger := a.logger.With().Str("loop", "commands").Logger()
	logger.Debug().Msg("Command loop started")

	for {
		cmd, err := a.queue.PollCommand(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			logger.Error().Err(err).Msg("Failed to poll commands")
		}
		if cmd != nil {
			a.handleCommand(cmd)
			continue
		}
		if !sleep(ctx, a.cfg.CommandPollInterval) {
			return
		}
	}
}

func (a *Agent) handleCommand(cmd *queue.Command) {
	switch cmd.Type {
	case queue.CommandCancel:
		a.CancelJob(cmd.JobID)
	default:
		a.logger.Warn().Str("type", string(cmd.Type)).Str("job_id", cmd.JobID).Msg("Unknown command")
	}
}

// CancelJob requests termination of an active job. It returns false if
// the job is not running on this agent; cancelling a finished job does
// nothing.
func (a *Agent) CancelJob(jobID string) bool {
	logger := a.logger.With().Str("job_id", jobID).Logger()

	aj, ok := a.registry.get(jobID)
	if !ok {
		if status, known := a.statuses.Get(jobID); known {
			logger.Info().Str("status", string(status)).Msg("Cancel ignored, job already finished")
		} else {
			logger.Warn().Msg("Cancel ignored, job not found")
		}
		return false
	}

	if !aj.cancel() {
		logger.Info().Msg("Cancel ignored, job already finished")
		return false
	}
	logger.Info().Msg("Cancelling job")
	return true
}
