package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"

	"github.com/quic-go/quic-go"
)

// Negotiator secures a raw connection before any application data flows.
type Negotiator interface {
	// Negotiate runs the handshake as the given role and returns the
	// secured connection. It fails with an error wrapping `ErrHandshake`
	// when the peer aborts or its identity does not verify. The raw
	// connection is left to the caller to close on failure.
	Negotiate(ctx context.Context, conn net.Conn, role Role) (net.Conn, *tls.ConnectionState, error)
}

// TLSNegotiator is a `Negotiator` running a TLS handshake.
//
// As an initiator, `Config.ServerName` is the domain the peer certificate
// must be valid for and `Config.RootCAs` the roots of trust (system roots
// when nil). As a responder, `Config.ClientAuth` and `Config.ClientCAs`
// control client authentication.
type TLSNegotiator struct {
	Config *tls.Config
}

var _ Negotiator = (*TLSNegotiator)(nil)

func (n *TLSNegotiator) Negotiate(ctx context.Context, conn net.Conn, role Role) (net.Conn, *tls.ConnectionState, error) {
	if n.Config == nil {
		return nil, nil, ErrNoTLSConfig
	}

	var tlsConn *tls.Conn
	switch role {
	case RoleInitiator:
		tlsConn = tls.Client(conn, n.Config)
	case RoleResponder:
		tlsConn = tls.Server(conn, n.Config)
	default:
		return nil, nil, fmt.Errorf("%w: unknown role %d", ErrHandshake, role)
	}

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}

	state := tlsConn.ConnectionState()
	if err := VerifyIdentity(&state, role, n.Config); err != nil {
		return nil, nil, err
	}
	return tlsConn, &state, nil
}

// VerifyIdentity checks that a completed handshake bound a verified peer
// identity whenever the configuration asked for one.
func VerifyIdentity(state *tls.ConnectionState, role Role, config *tls.Config) error {
	if state == nil || !state.HandshakeComplete {
		return fmt.Errorf("%w: handshake did not complete", ErrHandshake)
	}

	switch role {
	case RoleInitiator:
		if config.InsecureSkipVerify {
			return nil
		}
		if len(state.PeerCertificates) == 0 || len(state.VerifiedChains) == 0 {
			return fmt.Errorf("%w: %w: no verified server chain", ErrHandshake, ErrPeerIdentity)
		}
	case RoleResponder:
		if config.ClientAuth >= tls.VerifyClientCertIfGiven &&
			len(state.PeerCertificates) > 0 && len(state.VerifiedChains) == 0 {
			return fmt.Errorf("%w: %w: client chain was not verified", ErrHandshake, ErrPeerIdentity)
		}
	}
	return nil
}

// IsSecurityError reports whether err comes from a failed security
// negotiation or a rejected peer identity, whichever transport produced it.
func IsSecurityError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrHandshake) || errors.Is(err, ErrPeerIdentity) {
		return true
	}

	var (
		unknownAuthority x509.UnknownAuthorityError
		hostname         x509.HostnameError
		invalid          x509.CertificateInvalidError
		verification     *tls.CertificateVerificationError
		recordHeader     tls.RecordHeaderError
		alert            tls.AlertError
		transportErr     *quic.TransportError
	)
	switch {
	case errors.As(err, &unknownAuthority),
		errors.As(err, &hostname),
		errors.As(err, &invalid),
		errors.As(err, &verification),
		errors.As(err, &recordHeader),
		errors.As(err, &alert):
		return true
	case errors.As(err, &transportErr):
		return transportErr.ErrorCode.IsCryptoError()
	}
	return false
}
