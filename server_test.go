package strait

import (
	"context"
	"crypto/x509"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewServerValidation(t *testing.T) {
	_, err := NewServer(WithService("", echo))
	require.ErrorIs(t, err, ErrConfiguration)
	require.ErrorIs(t, err, ErrServiceName)

	_, err = NewServer(WithService("echo", echo), WithService("echo", echo))
	require.ErrorIs(t, err, ErrConfiguration)
	require.ErrorIs(t, err, ErrServiceConflict)

	_, err = NewServer(WithService("echo", nil))
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = NewServer(WithConcurrencyLimitPerConnection(0))
	require.ErrorIs(t, err, ErrConfiguration)

	_, err = NewServer(WithServerTLS(ServerTLSConfig{Identity: IdentityFromPEM(nil, nil)}))
	require.ErrorIs(t, err, ErrConfiguration)
	require.ErrorIs(t, err, ErrInvalidPEM)
}

func TestServerServices(t *testing.T) {
	srv, err := NewServer(
		WithService("kv.v1/Store", echo),
		WithService("echo", echo),
		WithService("kv.v1/Watch", echo),
	)
	require.NoError(t, err)
	require.Equal(t, []string{"echo", "kv.v1/Store", "kv.v1/Watch"}, srv.Services())
	require.Equal(t, []string{"kv.v1/Store", "kv.v1/Watch"}, srv.registry.services("kv.v1/"))
	require.Equal(t, ServerIdle, srv.State())
}

func TestServerListenRequiresTLS(t *testing.T) {
	srv, err := NewServer(WithService("echo", echo))
	require.NoError(t, err)

	_, err = srv.Listen("https://127.0.0.1:0")
	require.ErrorIs(t, err, ErrConfiguration)
	_, err = srv.Listen("quic://127.0.0.1:0")
	require.ErrorIs(t, err, ErrConfiguration)
	_, err = srv.Listen("gopher://127.0.0.1:0")
	require.ErrorIs(t, err, ErrConfiguration)
	require.Equal(t, ServerIdle, srv.State())
}

func TestServerPerConnectionLimit(t *testing.T) {
	g := newGated()
	srv := startServer(t, "http://127.0.0.1:0",
		WithService("gated", g),
		WithService("echo", echo),
		WithConcurrencyLimitPerConnection(2),
	)
	busy := connect(t, WithTarget(srv.target))
	other := connect(t, WithTarget(srv.target))

	results := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() {
			_, err := busy.Call(context.Background(), &Request{Service: "gated"})
			results <- err
		}()
	}
	<-g.entered
	<-g.entered

	select {
	case <-g.entered:
		t.Fatal("a third stream was served on the same connection")
	case <-time.After(100 * time.Millisecond):
	}

	// another connection has its own slots.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := other.Call(ctx, &Request{Service: "echo"})
	require.NoError(t, err)

	close(g.release)
	for i := 0; i < 3; i++ {
		require.NoError(t, <-results)
	}
}

func TestServerAbandonedQueuedStream(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []string
	)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	srv := startServer(t, "http://127.0.0.1:0",
		WithService("record", HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
			mu.Lock()
			calls = append(calls, string(req.Payload))
			mu.Unlock()
			if string(req.Payload) == "a" {
				entered <- struct{}{}
				<-release
			}
			return &Response{}, nil
		})),
		WithConcurrencyLimitPerConnection(1),
	)
	ch := connect(t, WithTarget(srv.target))

	first := make(chan error, 1)
	go func() {
		_, err := ch.Call(context.Background(), &Request{Service: "record", Payload: []byte("a")})
		first <- err
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := ch.Call(ctx, &Request{Service: "record", Payload: []byte("b")})
	require.Equal(t, CodeDeadlineExceeded, CodeOf(err))
	// the reset of "b" reaches the server asynchronously.
	time.Sleep(50 * time.Millisecond)

	close(release)
	require.NoError(t, <-first)

	_, err = ch.Call(context.Background(), &Request{Service: "record", Payload: []byte("c")})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a", "c"}, calls)
}

func TestServerTimeout(t *testing.T) {
	srv := startServer(t, "http://127.0.0.1:0",
		WithService("slow", HandlerFunc(func(ctx context.Context, _ *Request) (*Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})),
		WithServerTimeout(50*time.Millisecond),
	)
	ch := connect(t, WithTarget(srv.target))

	_, err := ch.Call(context.Background(), &Request{Service: "slow"})
	require.Equal(t, CodeDeadlineExceeded, CodeOf(err))
	var st *Status
	require.ErrorAs(t, err, &st)
}

func TestServerMiddleware(t *testing.T) {
	var seen atomic.Value
	srv := startServer(t, "http://127.0.0.1:0",
		WithService("echo", echo),
		WithServerMiddleware(func(next Invoker) Invoker {
			return func(ctx context.Context, req *Request) (*Response, error) {
				seen.Store(req.Service + "/" + req.Method)
				if req.Metadata.Get("authorization") == "" {
					return nil, Errorf(CodeUnauthenticated, "missing credentials")
				}
				return next(ctx, req)
			}
		}),
	)
	ch := connect(t, WithTarget(srv.target))

	_, err := ch.Call(context.Background(), &Request{Service: "echo", Method: "Say"})
	require.Equal(t, CodeUnauthenticated, CodeOf(err))
	require.Equal(t, "echo/Say", seen.Load())

	_, err = ch.Call(context.Background(), &Request{
		Service:  "echo",
		Metadata: Metadata{"authorization": "token"},
	})
	require.NoError(t, err)
}

func TestTLSRoundTrip(t *testing.T) {
	pki := newTestPKI(t)
	var peer atomic.Pointer[Peer]
	handler := HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		if p, ok := PeerFromContext(ctx); ok {
			peer.Store(p)
		}
		return &Response{Payload: req.Payload}, nil
	})

	t.Run("server authentication", func(t *testing.T) {
		srv := startServer(t, "https://127.0.0.1:0",
			WithService("echo", handler),
			WithServerTLS(ServerTLSConfig{Identity: pki.server}),
		)
		ch := connect(t, WithTarget(srv.target), WithTLS(pki.clientTLS()))

		resp, err := ch.Call(context.Background(), &Request{Service: "echo", Payload: []byte("secret")})
		require.NoError(t, err)
		require.Equal(t, []byte("secret"), resp.Payload)
		require.NotNil(t, peer.Load().TLS)
		require.Empty(t, peer.Load().Name)
	})

	t.Run("mutual authentication", func(t *testing.T) {
		srv := startServer(t, "https://127.0.0.1:0",
			WithService("echo", handler),
			WithServerTLS(ServerTLSConfig{Identity: pki.server, ClientCA: &pki.ca}),
		)

		clientTLS := pki.clientTLS()
		clientTLS.Identity = &pki.client
		ch := connect(t, WithTarget(srv.target), WithTLS(clientTLS))

		_, err := ch.Call(context.Background(), &Request{Service: "echo"})
		require.NoError(t, err)
		require.Equal(t, "client.strait.test", peer.Load().Name)
	})

	t.Run("per endpoint configuration", func(t *testing.T) {
		srv := startServer(t, "https://127.0.0.1:0",
			WithService("echo", handler),
			WithServerTLS(ServerTLSConfig{Identity: pki.server}),
		)
		ep := MustEndpoint(srv.target).WithTLS(pki.clientTLS())
		ch := connect(t, WithEndpoints(ep), WithTLS(ClientTLSConfig{CACertificate: &pki.untrusted}))

		_, err := ch.Call(context.Background(), &Request{Service: "echo"})
		require.NoError(t, err)
	})
}

func TestSecurityFailure(t *testing.T) {
	pki := newTestPKI(t)
	srv := startServer(t, "https://127.0.0.1:0",
		WithService("echo", echo),
		WithServerTLS(ServerTLSConfig{Identity: pki.server, ClientCA: &pki.ca}),
	)

	cases := map[string]ClientTLSConfig{
		"untrusted server": {CACertificate: &pki.untrusted, DomainName: testDomain, Identity: &pki.client},
		"wrong domain":     {CACertificate: &pki.ca, DomainName: "other.strait.test", Identity: &pki.client},
		// rejected by the server after the client completed its handshake.
		"missing client certificate": {CACertificate: &pki.ca, DomainName: testDomain},
	}
	for name, tlsCfg := range cases {
		t.Run(name, func(t *testing.T) {
			ch := connect(t, WithTarget(srv.target), WithTLS(tlsCfg))

			_, err := ch.Call(context.Background(), &Request{Service: "echo"})
			require.ErrorIs(t, err, ErrTransportUnavailable)
			require.ErrorIs(t, err, ErrSecurity)
			require.Equal(t, CodeUnauthenticated, CodeOf(err))

			for _, st := range ch.State() {
				require.NotEqual(t, ConnReady, st.State)
				require.ErrorIs(t, st.LastError, ErrSecurity)
			}
		})
	}

	t.Run("plaintext client", func(t *testing.T) {
		ch := connect(t, WithTarget("http://"+MustEndpoint(srv.target).Address()))
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		_, err := ch.Call(ctx, &Request{Service: "echo"})
		require.Error(t, err)
	})
}

func TestIdentityResolverRejection(t *testing.T) {
	pki := newTestPKI(t)
	srv := startServer(t, "https://127.0.0.1:0",
		WithService("echo", echo),
		WithServerTLS(ServerTLSConfig{Identity: pki.server, ClientCA: &pki.ca}),
		WithIdentityResolver(func([]*x509.Certificate) (string, error) {
			return "", errors.New("not in the allow list")
		}),
	)

	clientTLS := pki.clientTLS()
	clientTLS.Identity = &pki.client
	ch := connect(t, WithTarget(srv.target), WithTLS(clientTLS))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := ch.Call(ctx, &Request{Service: "echo"})
	require.Error(t, err)
}

func TestQUICRoundTrip(t *testing.T) {
	pki := newTestPKI(t)
	g := newGated()
	srv := startServer(t, "quic://127.0.0.1:0",
		WithService("echo", echo),
		WithService("gated", g),
		WithServerTLS(ServerTLSConfig{Identity: pki.server}),
	)
	ch := connect(t, WithTarget(srv.target), WithTLS(pki.clientTLS()))

	resp, err := ch.Call(context.Background(), &Request{
		Service:  "echo",
		Metadata: Metadata{"k": "v"},
		Payload:  []byte("over quic"),
	})
	require.NoError(t, err)
	require.Equal(t, []byte("over quic"), resp.Payload)
	require.Equal(t, "v", resp.Metadata.Get("k"))

	_, err = ch.Call(context.Background(), &Request{Service: "nope"})
	require.Equal(t, CodeNotFound, CodeOf(err))

	t.Run("cancellation reaches the handler", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			_, err := ch.Call(ctx, &Request{Service: "gated"})
			done <- err
		}()
		<-g.entered
		cancel()
		require.ErrorIs(t, <-done, context.Canceled)
	})

	t.Run("untrusted server", func(t *testing.T) {
		bad := connect(t, WithTarget(srv.target), WithTLS(ClientTLSConfig{
			CACertificate: &pki.untrusted,
			DomainName:    testDomain,
		}))
		_, err := bad.Call(context.Background(), &Request{Service: "echo"})
		require.ErrorIs(t, err, ErrSecurity)
	})
}

func TestGracefulShutdown(t *testing.T) {
	g := newGated()
	srv := startServer(t, "http://127.0.0.1:0", WithService("gated", g), WithService("echo", echo))
	ch := connect(t, WithTarget(srv.target))

	inFlight := make(chan error, 1)
	go func() {
		_, err := ch.Call(context.Background(), &Request{Service: "gated"})
		inFlight <- err
	}()
	<-g.entered

	shutdown := make(chan error, 1)
	go func() {
		shutdown <- srv.srv.Shutdown(context.Background())
	}()
	require.Eventually(t, func() bool {
		return srv.srv.State() == ServerShuttingDown
	}, time.Second, 5*time.Millisecond)

	_, err := ch.Call(context.Background(), &Request{Service: "echo"})
	require.Equal(t, CodeUnavailable, CodeOf(err))

	select {
	case <-shutdown:
		t.Fatal("shutdown did not wait for the in-flight call")
	case <-time.After(50 * time.Millisecond):
	}

	close(g.release)
	require.NoError(t, <-inFlight)
	require.NoError(t, <-shutdown)
	require.Equal(t, ServerStopped, srv.srv.State())

	_, err = srv.srv.Listen("http://127.0.0.1:0")
	require.ErrorIs(t, err, ErrServerStopped)
}

func TestShutdownCancelsAfterGracePeriod(t *testing.T) {
	observed := make(chan error, 1)
	srv := startServer(t, "http://127.0.0.1:0",
		WithService("stuck", HandlerFunc(func(ctx context.Context, _ *Request) (*Response, error) {
			<-ctx.Done()
			observed <- ctx.Err()
			return nil, ctx.Err()
		})),
		WithGracePeriod(100*time.Millisecond),
	)
	ch := connect(t, WithTarget(srv.target))

	done := make(chan error, 1)
	go func() {
		_, err := ch.Call(context.Background(), &Request{Service: "stuck"})
		done <- err
	}()
	require.Eventually(t, func() bool {
		states := ch.State()
		return len(states) == 1 && states[0].Outstanding == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	start := time.Now()
	require.NoError(t, srv.srv.Shutdown(context.Background()))
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, ServerStopped, srv.srv.State())

	require.ErrorIs(t, <-observed, context.Canceled)
	require.Error(t, <-done)
}

func TestShutdownContextExpiry(t *testing.T) {
	g := newGated()
	srv := startServer(t, "http://127.0.0.1:0", WithService("gated", g))
	ch := connect(t, WithTarget(srv.target))

	go ch.Call(context.Background(), &Request{Service: "gated"})
	<-g.entered

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, srv.srv.Shutdown(ctx), context.DeadlineExceeded)
	require.Equal(t, ServerStopped, srv.srv.State())
	require.NoError(t, srv.srv.Shutdown(context.Background()))
}
