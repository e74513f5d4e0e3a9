package transport

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/stretchr/testify/require"
)

func TestQUICRequiresTLS(t *testing.T) {
	_, err := ListenQUIC("127.0.0.1:0", QUICConfig{})
	require.ErrorIs(t, err, ErrNoTLSConfig)

	_, err = NewQUICDialer(QUICConfig{})
	require.ErrorIs(t, err, ErrNoTLSConfig)
}

func TestQUICRoundTrip(t *testing.T) {
	pki := newTestPKI(t)
	ln, err := ListenQUIC("127.0.0.1:0", QUICConfig{TLS: pki.serverTLS()})
	require.NoError(t, err)
	wg := serveEcho(t, ln, nil)
	defer wg.Wait()
	defer ln.Close()

	dialer, err := NewQUICDialer(QUICConfig{
		TLS:              pki.clientTLS("server.strait.test", pki.roots),
		HandshakeTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	session, err := dialer.Dial(context.Background(), ln.Addr().String())
	require.NoError(t, err)
	defer session.Close()

	state := session.ConnectionState()
	require.NotNil(t, state)
	require.Equal(t, ALPN, state.NegotiatedProtocol)
	require.Equal(t, "hello", roundTrip(t, session, "hello"))
	require.Equal(t, "again", roundTrip(t, session, "again"))
}

func TestQUICRejectsPeer(t *testing.T) {
	pki := newTestPKI(t)
	ln, err := ListenQUIC("127.0.0.1:0", QUICConfig{TLS: pki.serverTLS()})
	require.NoError(t, err)
	wg := serveEcho(t, ln, nil)
	defer wg.Wait()
	defer ln.Close()

	for _, tc := range []struct {
		name   string
		domain string
		trust  bool
	}{
		{name: "wrong domain", domain: "other.strait.test", trust: true},
		{name: "untrusted chain", domain: "server.strait.test", trust: false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			roots := pki.roots
			if !tc.trust {
				roots = pki.untrusted
			}
			dialer, err := NewQUICDialer(QUICConfig{
				TLS:              pki.clientTLS(tc.domain, roots),
				HandshakeTimeout: 5 * time.Second,
			})
			require.NoError(t, err)

			_, err = dialer.Dial(context.Background(), ln.Addr().String())
			require.ErrorIs(t, err, ErrHandshake)
			require.True(t, IsSecurityError(err))
		})
	}
}

func TestQUICStreamReset(t *testing.T) {
	pki := newTestPKI(t)
	ln, err := ListenQUIC("127.0.0.1:0", QUICConfig{TLS: pki.serverTLS()})
	require.NoError(t, err)
	defer ln.Close()

	readErr := make(chan error, 1)
	go func() {
		in, err := ln.Accept(context.Background())
		if err != nil {
			readErr <- err
			return
		}
		session, err := in.Establish(context.Background())
		if err != nil {
			readErr <- err
			return
		}
		defer session.Close()
		stream, err := session.AcceptStream(context.Background())
		if err != nil {
			readErr <- err
			return
		}
		_, err = io.ReadAll(stream)
		readErr <- err
	}()

	dialer, err := NewQUICDialer(QUICConfig{TLS: pki.clientTLS("server.strait.test", pki.roots)})
	require.NoError(t, err)
	session, err := dialer.Dial(context.Background(), ln.Addr().String())
	require.NoError(t, err)
	defer session.Close()

	stream, err := session.OpenStream(context.Background())
	require.NoError(t, err)
	_, err = stream.Write([]byte("partial"))
	require.NoError(t, err)
	stream.Reset()

	select {
	case err := <-readErr:
		var streamErr *quic.StreamError
		require.ErrorAs(t, err, &streamErr)
		require.Equal(t, QErrStreamCancelled, streamErr.ErrorCode)
	case <-time.After(5 * time.Second):
		t.Fatal("peer did not observe the reset")
	}
}

func TestIsSecurityError(t *testing.T) {
	require.False(t, IsSecurityError(nil))
	require.False(t, IsSecurityError(io.EOF))
	require.True(t, IsSecurityError(ErrHandshake))
	require.True(t, IsSecurityError(&quic.TransportError{
		ErrorCode: quic.TransportErrorCode(0x100 + 42),
	}))
	require.False(t, IsSecurityError(&quic.TransportError{
		ErrorCode: quic.ProtocolViolation,
	}))
}
