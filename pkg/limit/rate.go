package limit

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Rate admits at most `permits` callers in any rolling window of length
// `period`.
//
// It remembers the instants of the last `permits` admissions: a new caller
// is admitted once the oldest of them has left the window. Unused permits
// never accumulate beyond `permits`, so a quiet period cannot be turned
// into a larger burst afterwards.
type Rate struct {
	permits  int
	period   time.Duration
	maxQueue int
	now      func() time.Time

	mu sync.Mutex
	// admissions is a ring buffer, oldest admission at `oldest`.
	admissions []time.Time
	oldest     int
	count      int
	waiters    list.List
}

type rateWaiter struct {
	wake chan struct{}
}

func NewRate(permits int, period time.Duration, opts ...Option) (*Rate, error) {
	if permits <= 0 || period <= 0 {
		return nil, ErrInvalidLimit
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Rate{
		permits:    permits,
		period:     period,
		maxQueue:   cfg.maxQueue,
		now:        time.Now,
		admissions: make([]time.Time, permits),
	}, nil
}

// Acquire waits until the caller can be admitted without exceeding the
// rate, or until ctx is done.
func (r *Rate) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	if r.waiters.Len() == 0 && r.admitLocked(r.now()) {
		r.mu.Unlock()
		return nil
	}
	if r.maxQueue != Unbounded && r.waiters.Len() >= r.maxQueue {
		r.mu.Unlock()
		return ErrQueueFull
	}
	w := &rateWaiter{wake: make(chan struct{}, 1)}
	elem := r.waiters.PushBack(w)
	r.mu.Unlock()

	for {
		var wait time.Duration

		r.mu.Lock()
		if r.waiters.Front() == elem {
			now := r.now()
			if r.admitLocked(now) {
				r.waiters.Remove(elem)
				r.wakeFrontLocked()
				r.mu.Unlock()
				return nil
			}
			wait = r.admissions[r.oldest].Add(r.period).Sub(now)
		}
		r.mu.Unlock()

		var (
			timer  *time.Timer
			expiry <-chan time.Time
		)
		if wait > 0 {
			timer = time.NewTimer(wait)
			expiry = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			r.mu.Lock()
			wasFront := r.waiters.Front() == elem
			r.waiters.Remove(elem)
			if wasFront {
				r.wakeFrontLocked()
			}
			r.mu.Unlock()
			return ctx.Err()
		case <-w.wake:
		case <-expiry:
		}

		if timer != nil {
			timer.Stop()
		}
	}
}

// TryAcquire admits the caller only when it would not have to wait.
func (r *Rate) TryAcquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.waiters.Len() > 0 {
		return false
	}
	return r.admitLocked(r.now())
}

// Waiting is the number of callers queued for a permit.
func (r *Rate) Waiting() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.waiters.Len()
}

// Permits is the number of admissions allowed per period.
func (r *Rate) Permits() int {
	return r.permits
}

func (r *Rate) Period() time.Duration {
	return r.period
}

// must be called by the holder of r.mu
func (r *Rate) admitLocked(now time.Time) bool {
	if r.count < r.permits {
		r.admissions[(r.oldest+r.count)%r.permits] = now
		r.count++
		return true
	}

	if now.Sub(r.admissions[r.oldest]) < r.period {
		return false
	}

	r.admissions[r.oldest] = now
	r.oldest = (r.oldest + 1) % r.permits
	return true
}

// must be called by the holder of r.mu
func (r *Rate) wakeFrontLocked() {
	front := r.waiters.Front()
	if front == nil {
		return
	}
	select {
	case front.Value.(*rateWaiter).wake <- struct{}{}:
	default:
	}
}
