// Package pool keeps pre-started processes keyed by the hash of their
// launch command so that a job can take a warm process instead of paying
// the startup cost.
package pool

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/conductor/fleetagent/internal/agent/proc"
	"github.com/conductor/fleetagent/pkg/metrics"
)

// Entry is a pre-started process together with its working directory.
// An entry is owned by exactly one holder at a time.
type Entry struct {
	Process   proc.Process
	Output    io.ReadCloser
	WorkDir   string
	CreatedAt time.Time
}

// Launcher starts a fresh entry.
type Launcher func() (*Entry, error)

// LaunchError is returned by Take when no idle entry was available and
// the synchronous launch failed.
type LaunchError struct {
	Key string
	Err error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch process for %s: %v", e.Key, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// Config controls pool sizing and eviction.
type Config struct {
	// MaxAge is how long an entry may stay idle before it is evicted.
	MaxAge time.Duration

	// SweepInterval is the period of the eviction sweep.
	SweepInterval time.Duration

	// MaxIdlePerKey caps the idle queue of a single key. Replenished
	// entries beyond the cap are destroyed.
	MaxIdlePerKey int
}

// Pool is a keyed set of idle process queues behind a single mutex.
type Pool struct {
	cfg     Config
	killer  *proc.Killer
	logger  zerolog.Logger
	metrics *metrics.AgentMetrics

	mu     sync.Mutex
	idle   map[string][]*Entry
	count  int
	closed bool

	replenishers sync.WaitGroup
}

// New creates an empty pool.
func New(cfg Config, killer *proc.Killer, logger zerolog.Logger, m *metrics.AgentMetrics) *Pool {
	if cfg.MaxIdlePerKey < 1 {
		cfg.MaxIdlePerKey = 1
	}
	return &Pool{
		cfg:     cfg,
		killer:  killer,
		logger:  logger.With().Str("component", "process-pool").Logger(),
		metrics: m,
		idle:    make(map[string][]*Entry),
	}
}

// Take hands out an idle entry for key, or launches one synchronously if
// the queue is empty. In both cases a replacement is launched in the
// background and queued for the next caller.
func (p *Pool) Take(key string, launch Launcher) (*Entry, error) {
	entry, stale := p.pop(key)
	for _, e := range stale {
		p.destroy(e)
	}

	p.metrics.RecordPoolTake(entry != nil)

	if entry == nil {
		p.logger.Debug().Str("key", key).Msg("No idle process, launching")
		var err error
		entry, err = launch()
		if err != nil {
			p.metrics.RecordPoolLaunchFailure()
			return nil, &LaunchError{Key: key, Err: err}
		}
	}

	p.replenish(key, launch)
	return entry, nil
}

// pop removes the first live entry of the key's queue. Entries whose
// process already exited are returned for disposal.
func (p *Pool) pop(key string) (*Entry, []*Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var stale []*Entry
	q := p.idle[key]
	for len(q) > 0 {
		e := q[0]
		q[0] = nil
		q = q[1:]
		p.count--
		if e.Process.Alive() {
			p.store(key, q)
			return e, stale
		}
		stale = append(stale, e)
	}
	p.store(key, q)
	return nil, stale
}

// store must be called with mu held.
func (p *Pool) store(key string, q []*Entry) {
	if len(q) == 0 {
		delete(p.idle, key)
	} else {
		p.idle[key] = q
	}
	p.metrics.SetPoolIdle(p.count)
}

func (p *Pool) replenish(key string, launch Launcher) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.replenishers.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.replenishers.Done()

		e, err := launch()
		if err != nil {
			p.metrics.RecordPoolLaunchFailure()
			p.logger.Warn().Err(err).Str("key", key).Msg("Failed to replenish process pool")
			return
		}

		p.mu.Lock()
		if p.closed || len(p.idle[key]) >= p.cfg.MaxIdlePerKey {
			p.mu.Unlock()
			p.destroy(e)
			return
		}
		p.idle[key] = append(p.idle[key], e)
		p.count++
		p.metrics.SetPoolIdle(p.count)
		p.mu.Unlock()
	}()
}

// Sweep evicts idle entries that are at least MaxAge old at now and
// returns how many were evicted. Processes are killed after the lock is
// released.
func (p *Pool) Sweep(now time.Time) int {
	var expired []*Entry

	p.mu.Lock()
	for key, q := range p.idle {
		kept := q[:0]
		for _, e := range q {
			if now.Sub(e.CreatedAt) >= p.cfg.MaxAge {
				expired = append(expired, e)
			} else {
				kept = append(kept, e)
			}
		}
		for i := len(kept); i < len(q); i++ {
			q[i] = nil
		}
		if len(kept) == 0 {
			delete(p.idle, key)
		} else {
			p.idle[key] = kept
		}
	}
	p.count -= len(expired)
	p.metrics.SetPoolIdle(p.count)
	p.mu.Unlock()

	for _, e := range expired {
		p.destroy(e)
	}

	if len(expired) > 0 {
		p.metrics.RecordPoolEvictions(len(expired))
		p.logger.Debug().Int("evicted", len(expired)).Msg("Evicted idle processes")
	}
	return len(expired)
}

// Run sweeps the pool every SweepInterval until done is closed.
func (p *Pool) Run(done <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			p.Sweep(now)
		}
	}
}

// Idle returns the number of idle entries across all keys.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// Close waits for in-flight replenishment and destroys every idle entry.
// Entries already handed out are not affected.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.replenishers.Wait()

	p.mu.Lock()
	var all []*Entry
	for _, q := range p.idle {
		all = append(all, q...)
	}
	p.idle = make(map[string][]*Entry)
	p.count = 0
	p.metrics.SetPoolIdle(0)
	p.mu.Unlock()

	for _, e := range all {
		p.destroy(e)
	}
}

// Destroy kills the entry's process and removes its working directory.
// Used by callers that own an entry and no longer need it.
func (p *Pool) Destroy(e *Entry) {
	p.destroy(e)
}

func (p *Pool) destroy(e *Entry) {
	if e == nil {
		return
	}
	if e.Process != nil {
		p.killer.Kill(e.Process)
	}
	if e.Output != nil {
		e.Output.Close()
	}
	if e.WorkDir != "" {
		if err := os.RemoveAll(e.WorkDir); err != nil {
			p.logger.Warn().Err(err).Str("dir", e.WorkDir).Msg("Failed to remove process directory")
		}
	}
}
