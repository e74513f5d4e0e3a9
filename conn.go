package strait

import (
	"sync/atomic"
	"time"

	"github.com/raskyld/strait/pkg/transport"
)

// ConnState is the lifecycle of the connection to one endpoint.
type ConnState uint8

const (
	// ConnIdle means there is no connection and none is being dialed.
	ConnIdle ConnState = iota
	ConnConnecting
	ConnReady
	// ConnDegraded connections accept no new call and close once their
	// in-flight calls are over.
	ConnDegraded
	ConnClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnIdle:
		return "idle"
	case ConnConnecting:
		return "connecting"
	case ConnReady:
		return "ready"
	case ConnDegraded:
		return "degraded"
	case ConnClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// conn is one session to one endpoint, owned by the pool. Its state is
// guarded by the pool lock.
type conn struct {
	endpoint *poolEndpoint
	state    ConnState
	session  transport.Session

	outstanding atomic.Int64
	lastUsed    atomic.Int64
}

func (c *conn) touch() {
	c.lastUsed.Store(time.Now().UnixNano())
}

func (c *conn) idleSince() time.Time {
	return time.Unix(0, c.lastUsed.Load())
}

// EndpointState is a snapshot of one endpoint of a `Channel`.
type EndpointState struct {
	Endpoint    Endpoint
	State       ConnState
	Outstanding int64
	// LastError is the last dial failure, cleared once connected.
	LastError error
	// RetryAt is when the endpoint leaves its backoff window.
	RetryAt time.Time
}
