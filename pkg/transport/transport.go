// Package transport abstracts the multiplexed, stream-based sessions strait
// runs on.
//
// A `Session` is one live connection to a peer, already secured when
// security is configured, carrying many independent bidirectional
// `Stream`s. Two implementations are provided:
//
//   - QUIC (quic-go), where TLS 1.3 is part of the connection handshake;
//   - TCP with yamux stream multiplexing, optionally secured by a
//     `Negotiator` which runs before yamux sees a single byte.
//
// Streams carry no ordering relationship with each other.
package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"
)

// Stream is one logical bidirectional exchange inside a `Session`.
type Stream interface {
	io.Reader
	io.Writer

	// Close finishes the write direction. Data already written is still
	// delivered and the peer reads io.EOF afterwards. yamux streams stop
	// reading new data once closed locally, so read what you expect
	// before closing.
	Close() error

	// Reset abandons the stream in both directions. Pending and future
	// reads and writes fail on both ends.
	Reset()

	SetDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Session is one live connection able to carry concurrent streams.
type Session interface {
	OpenStream(ctx context.Context) (Stream, error)
	AcceptStream(ctx context.Context) (Stream, error)

	// GoAway asks the peer to stop opening new streams. Streams already
	// open are unaffected. Transports lacking such a signal return nil.
	GoAway() error

	// Done is closed when the session is terminated, locally or by the peer.
	Done() <-chan struct{}

	// ConnectionState is the negotiated security state, nil for plaintext
	// sessions.
	ConnectionState() *tls.ConnectionState

	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	Close() error
}

// Dialer establishes outbound sessions. Security negotiation is complete
// when Dial returns.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Session, error)
}

// Listener accepts inbound connections.
type Listener interface {
	// Accept waits for the next inbound connection. Cancelling ctx closes
	// the listener.
	Accept(ctx context.Context) (Incoming, error)
	Addr() net.Addr
	Close() error
}

// Incoming is an accepted connection which has not been promoted to a
// `Session` yet.
type Incoming interface {
	RemoteAddr() net.Addr

	// Establish runs the security negotiation, when configured, and
	// returns the session. On failure the connection is closed.
	Establish(ctx context.Context) (Session, error)

	Close() error
}

// Role is the side of a security negotiation.
type Role uint8

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unknown"
	}
}
