package limit

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Concurrency bounds how many holders may be admitted at the same time.
//
// It is backed by a weighted semaphore of unit weights: waiters are served
// strictly first-in first-out and a cancelled waiter is removed from the
// queue without holding a slot.
type Concurrency struct {
	sem      *semaphore.Weighted
	max      int64
	maxQueue int64

	waiting  atomic.Int64
	inFlight atomic.Int64
}

func NewConcurrency(max int, opts ...Option) (*Concurrency, error) {
	if max <= 0 {
		return nil, ErrInvalidLimit
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Concurrency{
		sem:      semaphore.NewWeighted(int64(max)),
		max:      int64(max),
		maxQueue: int64(cfg.maxQueue),
	}, nil
}

// Acquire waits for a free slot and returns the function releasing it.
// The release function is idempotent.
func (c *Concurrency) Acquire(ctx context.Context) (release func(), err error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if c.sem.TryAcquire(1) {
		return c.admit(), nil
	}

	queued := c.waiting.Add(1)
	defer c.waiting.Add(-1)
	if c.maxQueue != Unbounded && queued > c.maxQueue {
		return nil, ErrQueueFull
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return c.admit(), nil
}

// TryAcquire admits the caller only if a slot is free and nobody is queued.
func (c *Concurrency) TryAcquire() (release func(), ok bool) {
	if !c.sem.TryAcquire(1) {
		return nil, false
	}
	return c.admit(), true
}

func (c *Concurrency) admit() func() {
	c.inFlight.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			c.inFlight.Add(-1)
			c.sem.Release(1)
		})
	}
}

// Limit is the configured number of slots.
func (c *Concurrency) Limit() int {
	return int(c.max)
}

// InFlight is the number of currently admitted holders.
func (c *Concurrency) InFlight() int {
	return int(c.inFlight.Load())
}

// Waiting is the number of callers queued for a slot.
func (c *Concurrency) Waiting() int {
	return int(c.waiting.Load())
}
