package transport

import (
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"
)

var (
	ErrHandshake      = errors.New("transport: security handshake failed")
	ErrPeerIdentity   = errors.New("transport: peer identity could not be verified")
	ErrNoTLSConfig    = errors.New("transport: TlsConfig is required")
	ErrSessionClosed  = errors.New("transport: session closed")
	ErrListenerClosed = errors.New("transport: listener closed")
	ErrConnLimit      = errors.New("transport: per-client connection limit reached")
)

var (
	// QErrStreamCancelled resets a stream abandoned by its caller.
	QErrStreamCancelled = quic.StreamErrorCode(0x8)
)

var (
	QErrNoError = QuicApplicationError{
		Code:   0x0,
		Prefix: "no error",
	}
	QErrIdentity = QuicApplicationError{
		Code:   0x2,
		Prefix: "identity",
	}
	QErrShutdown = QuicApplicationError{
		Code:   0x3,
		Prefix: "shutdown",
	}
)

type QuicApplicationError struct {
	Code   uint64
	Prefix string
}

func (qerr *QuicApplicationError) Close(conn quic.Connection, msg string) error {
	if conn != nil {
		return conn.CloseWithError(
			quic.ApplicationErrorCode(qerr.Code),
			fmt.Sprintf("%s: %s", qerr.Prefix, msg),
		)
	}
	return nil
}
