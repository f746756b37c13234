package repo

import (
	"context"
	"errors"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/semaphore"
)

// ErrResourceBusy is returned when a lock could not be acquired within its
// timeout. Callers may retry later.
var ErrResourceBusy = errors.New("resource busy")

// StripedLock is a fixed set of locks. A key maps to one stripe by hash,
// so distinct keys usually lock independently while the total lock count
// stays bounded.
type StripedLock struct {
	stripes []*semaphore.Weighted
}

// NewStripedLock creates n stripes.
func NewStripedLock(n int) *StripedLock {
	if n < 1 {
		n = 1
	}
	s := &StripedLock{stripes: make([]*semaphore.Weighted, n)}
	for i := range s.stripes {
		s.stripes[i] = semaphore.NewWeighted(1)
	}
	return s
}

// Lock acquires the stripe for key, waiting at most timeout. It returns
// ErrResourceBusy on timeout and ctx.Err() if ctx ends first.
func (s *StripedLock) Lock(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	stripe := s.stripes[xxhash.Sum64String(key)%uint64(len(s.stripes))]

	lockCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := stripe.Acquire(lockCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrResourceBusy
	}
	return func() { stripe.Release(1) }, nil
}
