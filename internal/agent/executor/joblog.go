package executor

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// jobLog is the per-job log file. Process output and agent messages are
// interleaved in it, so writes are serialized.
type jobLog struct {
	mu sync.Mutex
	f  *os.File
}

func openJobLog(path string) (*jobLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open job log: %w", err)
	}
	return &jobLog{f: f}, nil
}

func (l *jobLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Write(p)
}

// Logf appends an agent message line.
func (l *jobLog) Logf(format string, args ...any) {
	line := fmt.Sprintf("%s [INFO ] %s\n", time.Now().Format("2006-01-02 15:04:05.000"), fmt.Sprintf(format, args...))
	_, _ = l.Write([]byte(line))
}

func (l *jobLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.f.Close()
}
