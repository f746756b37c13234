package agent

import (
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/conductor/fleetagent/internal/job"
)

// StatusCache keeps the terminal status of finished jobs. An entry
// expires after it has not been read for the retention period.
type StatusCache struct {
	c *cache.Cache
}

// NewStatusCache creates a cache whose janitor runs every cleanupInterval.
func NewStatusCache(retention, cleanupInterval time.Duration) *StatusCache {
	return &StatusCache{c: cache.New(retention, cleanupInterval)}
}

// Set records the status of a job.
func (s *StatusCache) Set(jobID string, status job.Status) {
	s.c.SetDefault(jobID, status)
}

// Get returns the status of a job and re-arms its expiry.
func (s *StatusCache) Get(jobID string) (job.Status, bool) {
	v, ok := s.c.Get(jobID)
	if !ok {
		return "", false
	}
	status := v.(job.Status)
	s.c.SetDefault(jobID, status)
	return status, true
}

// Len returns the number of cached statuses, including expired entries
// not yet removed by the janitor.
func (s *StatusCache) Len() int {
	return s.c.ItemCount()
}
