package agent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/conductor/fleetagent/internal/job"
)

func TestMaintenance_WaitParksUntilCleared(t *testing.T) {
	m := NewMaintenance(nil, NewRegistry(), time.Second, zerolog.Nop(), nil)
	require.NoError(t, m.Wait(context.Background()), "no wait while off")

	m.Set(true)
	released := make(chan error, 1)
	go func() { released <- m.Wait(context.Background()) }()

	select {
	case <-released:
		t.Fatal("Wait returned while maintenance mode is on")
	case <-time.After(50 * time.Millisecond):
	}

	m.Set(false)
	select {
	case err := <-released:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after maintenance mode was cleared")
	}
}

func TestMaintenance_WaitHonoursContext(t *testing.T) {
	m := NewMaintenance(nil, NewRegistry(), time.Second, zerolog.Nop(), nil)
	m.Set(true)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Wait(ctx), context.DeadlineExceeded)
}

func TestMaintenance_RequestDrain(t *testing.T) {
	q := &mockQueue{}
	q.On("SetMaintenanceMode", mock.Anything).Return(errors.New("queue down")).Once()

	reg := NewRegistry()
	reg.add(newActiveJob(&job.Request{ID: "a"}))
	reg.add(newActiveJob(&job.Request{ID: "b"}))

	m := NewMaintenance(q, reg, 2*time.Second, zerolog.Nop(), nil)

	go func() {
		time.Sleep(50 * time.Millisecond)
		reg.remove("a")
		time.Sleep(50 * time.Millisecond)
		reg.remove("b")
	}()

	start := time.Now()
	busy := m.RequestDrain(context.Background())
	assert.Equal(t, 0, busy)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, m.Enabled())
	q.AssertExpectations(t)
}

func TestMaintenance_RequestDrainTimeout(t *testing.T) {
	reg := NewRegistry()
	reg.add(newActiveJob(&job.Request{ID: "stuck"}))

	m := NewMaintenance(nil, reg, 50*time.Millisecond, zerolog.Nop(), nil)
	assert.Equal(t, 1, m.RequestDrain(context.Background()))
	assert.Equal(t, 1, m.BusyWorkers())
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	j := newActiveJob(&job.Request{ID: "job-1"})

	assert.True(t, reg.add(j))
	assert.False(t, reg.add(newActiveJob(&job.Request{ID: "job-1"})), "duplicate id")
	assert.True(t, reg.Has("job-1"))
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, []string{"job-1"}, reg.IDs())

	got, ok := reg.get("job-1")
	require.True(t, ok)
	assert.Same(t, j, got)

	reg.remove("job-1")
	reg.remove("job-1")
	assert.False(t, reg.Has("job-1"))
	assert.Equal(t, 0, reg.Len())
}

func TestActiveJob_CancelBeforeAttach(t *testing.T) {
	j := newActiveJob(&job.Request{ID: "job-1"})
	assert.Equal(t, job.StatusRunning, j.status())

	assert.True(t, j.cancel())
	assert.True(t, j.cancelRequested())
}

func TestStatusCache_AccessExtendsExpiry(t *testing.T) {
	c := NewStatusCache(150*time.Millisecond, 10*time.Millisecond)
	c.Set("job-1", job.StatusFinished)

	for i := 0; i < 5; i++ {
		time.Sleep(60 * time.Millisecond)
		status, ok := c.Get("job-1")
		require.True(t, ok, "entry read within the retention period must stay")
		assert.Equal(t, job.StatusFinished, status)
	}

	time.Sleep(300 * time.Millisecond)
	_, ok := c.Get("job-1")
	assert.False(t, ok)
}

func TestStatusCache_Unknown(t *testing.T) {
	c := NewStatusCache(time.Hour, time.Minute)
	_, ok := c.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}
