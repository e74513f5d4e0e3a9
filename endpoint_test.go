package strait

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewEndpoint(t *testing.T) {
	cases := []struct {
		uri    string
		want   string
		secure bool
	}{
		{"http://Example.COM", "http://example.com:80", false},
		{"https://api.example.com", "https://api.example.com:443", true},
		{"https://api.example.com:8443/", "https://api.example.com:8443", true},
		{"quic://10.0.0.7:4433", "quic://10.0.0.7:4433", true},
		{"HTTP://[::1]:8080", "http://[::1]:8080", false},
	}
	for _, tc := range cases {
		t.Run(tc.uri, func(t *testing.T) {
			ep, err := NewEndpoint(tc.uri)
			require.NoError(t, err)
			require.Equal(t, tc.want, ep.String())
			require.Equal(t, tc.secure, ep.Secure())
		})
	}
}

func TestNewEndpointRejects(t *testing.T) {
	_, err := NewEndpoint("ftp://example.com")
	require.ErrorIs(t, err, ErrUnknownScheme)

	_, err = NewEndpoint("http://example.com/api")
	require.ErrorIs(t, err, ErrInvalidURI)

	_, err = NewEndpoint("http://:8080")
	require.ErrorIs(t, err, ErrInvalidURI)

	_, err = NewEndpoint("http://exa mple.com")
	require.ErrorIs(t, err, ErrInvalidURI)

	require.Panics(t, func() { MustEndpoint("nope") })
}

func TestEndpointWithTLSIsACopy(t *testing.T) {
	base := MustEndpoint("https://api.example.com")
	custom := base.WithTLS(ClientTLSConfig{DomainName: "internal.example.com"})

	require.Nil(t, base.tls)
	require.Equal(t, "internal.example.com", custom.tls.DomainName)
	require.Equal(t, base.String(), custom.String())
}

func TestConnectValidation(t *testing.T) {
	ctx := context.Background()

	cases := map[string][]ChannelOption{
		"no target": nil,
		"two targets": {
			WithTarget("http://127.0.0.1:1"),
			WithEndpoints(MustEndpoint("http://127.0.0.1:2")),
		},
		"invalid uri":           {WithTarget("gopher://127.0.0.1")},
		"no endpoint":           {WithEndpoints()},
		"nil resolver":          {WithResolver(nil)},
		"tls over plaintext":    {WithEndpoints(MustEndpoint("http://127.0.0.1:1").WithTLS(ClientTLSConfig{}))},
		"invalid ca":            {WithTarget("https://127.0.0.1:1"), WithTLS(ClientTLSConfig{CACertificate: &Certificate{}})},
		"negative timeout":      {WithTarget("http://127.0.0.1:1"), WithTimeout(-time.Second)},
		"zero concurrency":      {WithTarget("http://127.0.0.1:1"), WithConcurrencyLimit(0)},
		"zero rate":             {WithTarget("http://127.0.0.1:1"), WithRateLimit(0, time.Second)},
		"inverted backoff":      {WithTarget("http://127.0.0.1:1"), WithReconnectBackoff(time.Second, time.Millisecond)},
		"zero max message size": {WithTarget("http://127.0.0.1:1"), WithMaxMessageSize(0)},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Connect(ctx, opts...)
			require.ErrorIs(t, err, ErrConfiguration)
		})
	}

	t.Run("tls over plaintext is explained", func(t *testing.T) {
		_, err := Connect(ctx, WithEndpoints(MustEndpoint("http://127.0.0.1:1").WithTLS(ClientTLSConfig{})))
		require.ErrorIs(t, err, ErrTLSOverPlainURI)
	})
}

func TestConnectIsLazy(t *testing.T) {
	ch := connect(t, WithTarget("http://"+freeAddr(t)))

	require.Eventually(t, func() bool {
		return len(ch.State()) == 1
	}, time.Second, 5*time.Millisecond)
	states := ch.State()
	require.Equal(t, ConnIdle, states[0].State)
	require.NoError(t, states[0].LastError)
}
