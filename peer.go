package strait

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"net"
)

// Peer describes the remote side of the connection a call arrived on.
type Peer struct {
	// Name is the identity resolved from the peer certificates, empty when
	// the peer did not authenticate.
	Name string
	Addr net.Addr

	// TLS is nil for plaintext connections.
	TLS *tls.ConnectionState
}

// IdentityResolver resolves a peer name from the certificates it presented.
//
// Implementations MUST NOT block, since they are invoked on the connection
// establishment critical path. Returning an error rejects the connection.
type IdentityResolver func(certs []*x509.Certificate) (string, error)

// CommonNameResolver is the default `IdentityResolver`, using the Subject
// Common Name of the leaf certificate. Peers without certificates get an
// empty name.
func CommonNameResolver(certs []*x509.Certificate) (string, error) {
	if len(certs) == 0 {
		return "", nil
	}
	return certs[0].Subject.CommonName, nil
}

func (p *Peer) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("addr", p.Addr.String()),
	}
	if p.Name != "" {
		attrs = append(attrs, slog.String("name", p.Name))
	}
	return slog.GroupValue(attrs...)
}

type peerKey struct{}

// PeerFromContext returns the peer of the call being served.
func PeerFromContext(ctx context.Context) (*Peer, bool) {
	peer, ok := ctx.Value(peerKey{}).(*Peer)
	return peer, ok
}

func withPeer(ctx context.Context, peer *Peer) context.Context {
	return context.WithValue(ctx, peerKey{}, peer)
}
