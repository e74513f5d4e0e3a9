package strait

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

const testDomain = "server.strait.test"

func generateKeyPair(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

func generateCert(t *testing.T, tmpl *x509.Certificate, parent *x509.Certificate, pub *ecdsa.PublicKey, signer *ecdsa.PrivateKey) *x509.Certificate {
	t.Helper()
	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)
	tmpl.SerialNumber = serialNumber
	tmpl.NotBefore = time.Now().Add(-time.Minute)
	tmpl.NotAfter = time.Now().Add(time.Hour)
	if parent == nil {
		parent = tmpl
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, signer)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

func certPEM(cert *x509.Certificate) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

// testPKI holds a trusted CA with its server and client identities, and an
// unrelated CA nobody trusts.
type testPKI struct {
	ca        Certificate
	untrusted Certificate
	server    Identity
	client    Identity
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()
	caKey := generateKeyPair(t)
	ca := generateCert(t, &x509.Certificate{
		Subject:               pkix.Name{CommonName: "self-signed"},
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}, nil, &caKey.PublicKey, caKey)

	otherKey := generateKeyPair(t)
	other := generateCert(t, &x509.Certificate{
		Subject:               pkix.Name{CommonName: "other"},
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}, nil, &otherKey.PublicKey, otherKey)

	leaf := func(cn string) Identity {
		key := generateKeyPair(t)
		cert := generateCert(t, &x509.Certificate{
			Subject:               pkix.Name{CommonName: cn},
			DNSNames:              []string{cn},
			IPAddresses:           []net.IP{{127, 0, 0, 1}},
			BasicConstraintsValid: true,
			KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
			ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth, x509.ExtKeyUsageServerAuth},
		}, ca, &key.PublicKey, caKey)

		keyDER, err := x509.MarshalECPrivateKey(key)
		require.NoError(t, err)
		return IdentityFromPEM(certPEM(cert), pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}))
	}

	return &testPKI{
		ca:        CertificateFromPEM(certPEM(ca)),
		untrusted: CertificateFromPEM(certPEM(other)),
		server:    leaf(testDomain),
		client:    leaf("client.strait.test"),
	}
}

func (p *testPKI) clientTLS() ClientTLSConfig {
	return ClientTLSConfig{CACertificate: &p.ca, DomainName: testDomain}
}

// testServer is a `Server` serving one listener until the test ends.
type testServer struct {
	srv    *Server
	target string
	done   chan error
	once   sync.Once
}

func startServer(t *testing.T, listen string, opts ...ServerOption) *testServer {
	t.Helper()
	opts = append([]ServerOption{WithServerMetricSink(&metrics.BlackholeSink{})}, opts...)
	srv, err := NewServer(opts...)
	require.NoError(t, err)

	ln, err := srv.Listen(listen)
	require.NoError(t, err)
	require.Equal(t, ServerBound, srv.State())

	scheme, _, _ := strings.Cut(listen, "://")
	ts := &testServer{
		srv:    srv,
		target: scheme + "://" + ln.Addr().String(),
		done:   make(chan error, 1),
	}
	go func() {
		ts.done <- srv.Serve(context.Background(), ln)
	}()
	require.Eventually(t, func() bool {
		return srv.State() == ServerAccepting
	}, time.Second, 5*time.Millisecond)

	t.Cleanup(func() { ts.stop(t) })
	return ts
}

func (ts *testServer) stop(t *testing.T) {
	t.Helper()
	ts.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		ts.srv.Shutdown(ctx)
		select {
		case err := <-ts.done:
			require.ErrorIs(t, err, ErrServerStopped)
		case <-time.After(5 * time.Second):
			t.Error("Serve did not return after Shutdown")
		}
	})
}

func connect(t *testing.T, opts ...ChannelOption) *Channel {
	t.Helper()
	opts = append([]ChannelOption{
		WithMetricSink(&metrics.BlackholeSink{}),
		WithConnectTimeout(2 * time.Second),
	}, opts...)
	ch, err := Connect(context.Background(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { ch.Close() })
	return ch
}

// freeAddr returns a loopback address nothing listens on.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

var echo = HandlerFunc(func(_ context.Context, req *Request) (*Response, error) {
	return &Response{Metadata: req.Metadata, Payload: req.Payload}, nil
})

// gated blocks every call until release is closed, and reports entries.
type gated struct {
	entered chan struct{}
	release chan struct{}
}

func newGated() *gated {
	return &gated{
		entered: make(chan struct{}, 64),
		release: make(chan struct{}),
	}
}

func (g *gated) Serve(ctx context.Context, req *Request) (*Response, error) {
	g.entered <- struct{}{}
	select {
	case <-g.release:
		return &Response{Payload: req.Payload}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
