// Package logstream forwards a job's growing log file to the queue while
// the job runs.
package logstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/conductor/fleetagent/pkg/metrics"
)

// Defaults.
const (
	DefaultBufferSize   = 8192
	DefaultPollInterval = 250 * time.Millisecond
	DefaultMaxDelay     = 2 * time.Second
	DefaultFinalTimeout = 10 * time.Second
)

// Sink receives log chunks in file order.
type Sink interface {
	AppendLog(ctx context.Context, jobID string, data []byte) error
}

// Config controls read sizes and polling.
type Config struct {
	BufferSize int

	// PollInterval is the first wait after reaching the end of the
	// written data. Consecutive empty reads double it up to MaxDelay.
	PollInterval time.Duration
	MaxDelay     time.Duration

	// FinalTimeout bounds forwarding the tail of the log once the
	// stream's context has ended.
	FinalTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxDelay < c.PollInterval {
		c.MaxDelay = c.PollInterval
	}
	if c.FinalTimeout <= 0 {
		c.FinalTimeout = DefaultFinalTimeout
	}
	return c
}

// Streamer tails job log files.
type Streamer struct {
	sink    Sink
	cfg     Config
	logger  zerolog.Logger
	metrics *metrics.AgentMetrics
}

// New creates a Streamer.
func New(sink Sink, cfg Config, logger zerolog.Logger, m *metrics.AgentMetrics) *Streamer {
	return &Streamer{
		sink:    sink,
		cfg:     cfg.withDefaults(),
		logger:  logger.With().Str("component", "log-streamer").Logger(),
		metrics: m,
	}
}

// Stream forwards the file at path until running reports false and the
// remaining data has been read. A failed chunk is logged and dropped.
//
// When ctx ends first, Stream keeps waiting for the job to stop and then
// forwards the rest of the file with a detached context bounded by
// FinalTimeout, so the lines a job writes while being shut down are not
// lost. It then returns ctx.Err().
func (s *Streamer) Stream(ctx context.Context, jobID, path string, running func() bool) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open job log: %w", err)
	}
	defer f.Close()

	log := s.logger.With().Str("job_id", jobID).Logger()
	buf := make([]byte, s.cfg.BufferSize)
	delay := s.cfg.PollInterval

	for {
		if ctx.Err() != nil {
			return s.finish(ctx, f, buf, jobID, log, running)
		}

		n, err := s.readChunk(ctx, f, buf, jobID, log)
		if err != nil {
			return err
		}

		if n == len(buf) {
			delay = s.cfg.PollInterval
			continue
		}

		if !running() {
			// The job may have written its last lines between the read
			// above and the probe.
			return s.drain(ctx, f, buf, jobID, log)
		}

		if n > 0 {
			delay = s.cfg.PollInterval
		}

		select {
		case <-ctx.Done():
			return s.finish(ctx, f, buf, jobID, log, running)
		case <-time.After(delay):
		}

		if n == 0 {
			delay = min(delay*2, s.cfg.MaxDelay)
		}
	}
}

func (s *Streamer) finish(ctx context.Context, f *os.File, buf []byte, jobID string, log zerolog.Logger, running func() bool) error {
	for running() {
		time.Sleep(s.cfg.PollInterval)
	}

	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FinalTimeout)
	defer cancel()
	if err := s.drain(drainCtx, f, buf, jobID, log); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Streamer) drain(ctx context.Context, f *os.File, buf []byte, jobID string, log zerolog.Logger) error {
	for {
		n, err := s.readChunk(ctx, f, buf, jobID, log)
		if err != nil {
			return err
		}
		if n < len(buf) {
			return nil
		}
	}
}

// readChunk reads up to len(buf) bytes and forwards them. It returns the
// number of bytes read; reaching the end of the file is not an error.
func (s *Streamer) readChunk(ctx context.Context, f *os.File, buf []byte, jobID string, log zerolog.Logger) (int, error) {
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return n, fmt.Errorf("failed to read job log: %w", err)
	}
	if n == 0 {
		return 0, nil
	}

	chunk := make([]byte, n)
	copy(chunk, buf[:n])
	if err := s.sink.AppendLog(ctx, jobID, chunk); err != nil {
		log.Warn().Err(err).Int("bytes", n).Msg("Failed to send log chunk")
		s.metrics.RecordLogChunk(false)
	} else {
		s.metrics.RecordLogChunk(true)
	}
	return n, nil
}
