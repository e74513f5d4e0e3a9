package strait

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// Certificate is a PEM encoded certificate (or bundle) used as a root of
// trust.
type Certificate struct {
	pem []byte
}

func CertificateFromPEM(pemBytes []byte) Certificate {
	return Certificate{pem: append([]byte(nil), pemBytes...)}
}

func (c Certificate) PEM() []byte {
	return c.pem
}

func (c Certificate) pool() (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(c.pem) {
		return nil, ErrInvalidPEM
	}
	return pool, nil
}

// Identity is a PEM encoded certificate chain with its private key.
type Identity struct {
	cert []byte
	key  []byte
}

func IdentityFromPEM(cert, key []byte) Identity {
	return Identity{
		cert: append([]byte(nil), cert...),
		key:  append([]byte(nil), key...),
	}
}

func (id Identity) keyPair() (tls.Certificate, error) {
	pair, err := tls.X509KeyPair(id.cert, id.key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: %w", ErrInvalidPEM, err)
	}
	return pair, nil
}

// ClientTLSConfig configures how a `Channel` authenticates endpoints.
//
// An empty config trusts the system roots and expects the endpoint host
// name in the server certificate.
type ClientTLSConfig struct {
	// CACertificate replaces the system roots.
	CACertificate *Certificate

	// DomainName overrides the name the server certificate must be
	// valid for. Defaults to the endpoint host.
	DomainName string

	// Identity is presented to servers requiring client authentication.
	Identity *Identity
}

func (cfg *ClientTLSConfig) build(host string) (*tls.Config, error) {
	tlsConf := &tls.Config{
		MinVersion: tls.VersionTLS12,
		ServerName: host,
	}
	if cfg == nil {
		return tlsConf, nil
	}

	if cfg.DomainName != "" {
		tlsConf.ServerName = cfg.DomainName
	}
	if cfg.CACertificate != nil {
		roots, err := cfg.CACertificate.pool()
		if err != nil {
			return nil, err
		}
		tlsConf.RootCAs = roots
	}
	if cfg.Identity != nil {
		pair, err := cfg.Identity.keyPair()
		if err != nil {
			return nil, err
		}
		tlsConf.Certificates = []tls.Certificate{pair}
	}
	return tlsConf, nil
}

// ServerTLSConfig configures how a `Server` authenticates itself and,
// optionally, its clients.
type ServerTLSConfig struct {
	Identity Identity

	// ClientCA, when set, requires every client to present a certificate
	// signed by it.
	ClientCA *Certificate
}

func (cfg *ServerTLSConfig) build() (*tls.Config, error) {
	pair, err := cfg.Identity.keyPair()
	if err != nil {
		return nil, err
	}
	tlsConf := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{pair},
	}
	if cfg.ClientCA != nil {
		pool, err := cfg.ClientCA.pool()
		if err != nil {
			return nil, err
		}
		tlsConf.ClientCAs = pool
		tlsConf.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsConf, nil
}
