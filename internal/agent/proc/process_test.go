package proc

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStart_MergedOutputAndExitCode(t *testing.T) {
	dir := t.TempDir()
	p, err := Start(Spec{
		Args: []string{"sh", "-c", `echo out; echo err >&2; echo "$FLEET_TEST" > marker; exit 3`},
		Dir:  dir,
		Env:  []string{"FLEET_TEST=hello"},
	})
	require.NoError(t, err)

	out, err := io.ReadAll(p.Output())
	require.NoError(t, err)
	assert.Contains(t, string(out), "out\n")
	assert.Contains(t, string(out), "err\n")

	code, err := p.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, code)
	assert.False(t, p.Alive())

	data, err := os.ReadFile(filepath.Join(dir, "marker"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestStart_EmptyCommand(t *testing.T) {
	_, err := Start(Spec{})
	assert.Error(t, err)
}

func TestStart_MissingBinary(t *testing.T) {
	_, err := Start(Spec{Args: []string{"/nonexistent/fleet-runner"}})
	assert.Error(t, err)
}

func TestWait_ContextCancelled(t *testing.T) {
	p, err := Start(Spec{Args: []string{"sleep", "5"}})
	require.NoError(t, err)
	defer p.Kill()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = p.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, p.Alive())
}

func TestKiller_GracefulExit(t *testing.T) {
	p, err := Start(Spec{Args: []string{"sleep", "30"}})
	require.NoError(t, err)

	k := &Killer{GracePeriod: time.Second, RetryInterval: 100 * time.Millisecond, Logger: zerolog.New(io.Discard)}
	assert.True(t, k.Kill(p))
	assert.False(t, p.Alive())

	code, _ := p.Wait(context.Background())
	assert.Equal(t, 128+15, code)
}

func TestKiller_EscalatesWhenTermIgnored(t *testing.T) {
	p, err := Start(Spec{Args: []string{"sh", "-c", `trap "" TERM; echo ready; while true; do sleep 0.05; done`}})
	require.NoError(t, err)

	// Wait until the trap is installed.
	buf := make([]byte, 6)
	_, err = io.ReadFull(p.Output(), buf)
	require.NoError(t, err)

	k := &Killer{GracePeriod: 100 * time.Millisecond, RetryInterval: 100 * time.Millisecond, Logger: zerolog.New(io.Discard)}
	assert.True(t, k.Kill(p))
	assert.False(t, p.Alive())

	code, _ := p.Wait(context.Background())
	assert.Equal(t, 128+9, code)
}

func TestKiller_AlreadyExited(t *testing.T) {
	p, err := Start(Spec{Args: []string{"true"}})
	require.NoError(t, err)
	<-p.Done()

	k := NewKiller(zerolog.New(io.Discard), nil)
	assert.False(t, k.Kill(p))
}

// stubbornProcess ignores termination until it has been force-killed
// a fixed number of times.
type stubbornProcess struct {
	mu         sync.Mutex
	killable   int
	terms      int
	kills      int
	done       chan struct{}
	closedOnce sync.Once
}

func newStubbornProcess(killable int) *stubbornProcess {
	return &stubbornProcess{killable: killable, done: make(chan struct{})}
}

func (s *stubbornProcess) PID() int { return 4242 }

func (s *stubbornProcess) Alive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *stubbornProcess) Terminate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terms++
	return nil
}

func (s *stubbornProcess) Kill() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kills++
	if s.kills >= s.killable {
		s.closedOnce.Do(func() { close(s.done) })
	}
	return nil
}

func (s *stubbornProcess) Done() <-chan struct{} { return s.done }

func (s *stubbornProcess) Wait(ctx context.Context) (int, error) {
	select {
	case <-s.done:
		return 137, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func TestKiller_RetriesForcedTerminationUntilDead(t *testing.T) {
	p := newStubbornProcess(4)
	k := &Killer{GracePeriod: 5 * time.Millisecond, RetryInterval: 5 * time.Millisecond, Logger: zerolog.New(io.Discard)}

	assert.True(t, k.Kill(p))
	assert.False(t, p.Alive())
	assert.Equal(t, 1, p.terms)
	assert.Equal(t, 4, p.kills)
}
