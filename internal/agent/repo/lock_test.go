package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStripedLock_SameKeySerializes(t *testing.T) {
	l := NewStripedLock(16)

	unlock, err := l.Lock(context.Background(), "proj/flows/main", time.Second)
	require.NoError(t, err)

	_, err = l.Lock(context.Background(), "proj/flows/main", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrResourceBusy)

	unlock()

	unlock, err = l.Lock(context.Background(), "proj/flows/main", 20*time.Millisecond)
	require.NoError(t, err)
	unlock()
}

func TestStripedLock_ContextCancelled(t *testing.T) {
	l := NewStripedLock(1)

	unlock, err := l.Lock(context.Background(), "a", time.Second)
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = l.Lock(ctx, "b", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStripedLock_SingleStripeMinimum(t *testing.T) {
	l := NewStripedLock(0)
	assert.Len(t, l.stripes, 1)
}
