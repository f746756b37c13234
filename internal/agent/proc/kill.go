package proc

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/conductor/fleetagent/pkg/metrics"
)

// Default escalation timings.
const (
	DefaultGracePeriod   = 1 * time.Second
	DefaultRetryInterval = 3 * time.Second
)

// Killer terminates processes: a graceful request first, then forced
// termination repeated until the process reports it is no longer alive.
// There is no upper bound on the number of forced attempts.
type Killer struct {
	GracePeriod   time.Duration
	RetryInterval time.Duration
	Logger        zerolog.Logger
	Metrics       *metrics.AgentMetrics
}

// NewKiller returns a Killer with the default timings.
func NewKiller(logger zerolog.Logger, m *metrics.AgentMetrics) *Killer {
	return &Killer{
		GracePeriod:   DefaultGracePeriod,
		RetryInterval: DefaultRetryInterval,
		Logger:        logger,
		Metrics:       m,
	}
}

// Kill terminates p and returns once it has exited. It returns false if
// the process was already gone.
func (k *Killer) Kill(p Process) bool {
	if !p.Alive() {
		return false
	}

	k.Metrics.RecordKillAttempt("graceful")
	if err := p.Terminate(); err != nil {
		k.Logger.Warn().Err(err).Int("pid", p.PID()).Msg("Graceful termination failed")
	}
	if exited(p, k.GracePeriod) {
		return true
	}

	for attempt := 1; ; attempt++ {
		k.Logger.Warn().
			Int("pid", p.PID()).
			Int("attempt", attempt).
			Msg("Process still alive, forcing termination")

		k.Metrics.RecordKillAttempt("forced")
		if err := p.Kill(); err != nil {
			k.Logger.Warn().Err(err).Int("pid", p.PID()).Msg("Forced termination failed")
		}
		if exited(p, k.RetryInterval) {
			return true
		}
	}
}

func exited(p Process, wait time.Duration) bool {
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-p.Done():
		return true
	case <-t.C:
		return !p.Alive()
	}
}
