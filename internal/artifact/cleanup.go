package artifact

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Pruner deletes archives older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// CleanupConfig defines retention cleanup settings.
type CleanupConfig struct {
	Interval  time.Duration
	Retention time.Duration
}

// CleanupService removes expired attachment archives from storage.
type CleanupService struct {
	pruner    Pruner
	logger    zerolog.Logger
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
}

// NewCleanupService creates a new CleanupService.
func NewCleanupService(pruner Pruner, config CleanupConfig, logger zerolog.Logger) *CleanupService {
	interval := config.Interval
	if interval <= 0 {
		interval = time.Hour
	}

	retention := config.Retention
	if retention <= 0 {
		retention = 30 * 24 * time.Hour
	}

	return &CleanupService{
		pruner:    pruner,
		logger:    logger.With().Str("component", "attachment-cleanup").Logger(),
		interval:  interval,
		retention: retention,
		now:       time.Now,
	}
}

// Run prunes once immediately and then on every interval until ctx is
// canceled.
func (s *CleanupService) Run(ctx context.Context) {
	s.logger.Info().
		Dur("interval", s.interval).
		Dur("retention", s.retention).
		Msg("Starting attachment cleanup")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.run(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *CleanupService) run(ctx context.Context) {
	cutoff := s.now().Add(-s.retention)

	deleted, err := s.pruner.Prune(ctx, cutoff)
	if err != nil {
		s.logger.Error().Err(err).Int("deleted", deleted).Msg("Attachment cleanup failed")
		return
	}
	if deleted > 0 {
		s.logger.Info().
			Int("deleted", deleted).
			Time("cutoff", cutoff).
			Msg("Attachment cleanup completed")
	}
}
