// Package limit provides the admission gates behind strait's concurrency
// and rate policies.
//
// Both gates queue callers in arrival order. A caller whose context is
// cancelled while queued leaves the queue without consuming a slot or a
// permit, and the next caller in line is woken up.
package limit

import "errors"

var (
	ErrQueueFull    = errors.New("limit: wait queue is full")
	ErrInvalidLimit = errors.New("limit: limit must be positive")
)

// Unbounded is the default queue length of every gate.
const Unbounded = -1

type config struct {
	maxQueue int
}

func defaultConfig() config {
	return config{maxQueue: Unbounded}
}

// Option tunes a gate.
type Option func(*config)

// MaxQueue bounds how many callers may wait for admission at once. Callers
// arriving when the queue is full fail with `ErrQueueFull`. `MaxQueue(0)`
// turns the gate into a non-blocking one.
func MaxQueue(n int) Option {
	return func(c *config) {
		if n < 0 {
			n = Unbounded
		}
		c.maxQueue = n
	}
}
