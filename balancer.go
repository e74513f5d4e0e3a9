package strait

import "sync/atomic"

// Candidate is a Ready connection a call may be dispatched on.
type Candidate struct {
	Endpoint Endpoint
	// Outstanding is the number of calls in flight on the connection.
	Outstanding int64
}

// Balancer picks the connection a call is dispatched on.
type Balancer interface {
	// Pick returns an index into candidates, which is never empty and
	// ordered by endpoint registration.
	Pick(candidates []Candidate) int
}

// RoundRobin cycles through Ready connections. It is the default
// `Balancer`.
type RoundRobin struct {
	next atomic.Uint64
}

func (rr *RoundRobin) Pick(candidates []Candidate) int {
	return int((rr.next.Add(1) - 1) % uint64(len(candidates)))
}

// LeastOutstanding picks the connection with the fewest calls in flight,
// the earliest registered endpoint winning ties.
type LeastOutstanding struct{}

func (LeastOutstanding) Pick(candidates []Candidate) int {
	best := 0
	for i := 1; i < len(candidates); i++ {
		if candidates[i].Outstanding < candidates[best].Outstanding {
			best = i
		}
	}
	return best
}
