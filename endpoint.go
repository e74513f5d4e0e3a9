package strait

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/raskyld/strait/pkg/transport"
)

// Scheme selects the transport and security of an `Endpoint`.
type Scheme string

const (
	// SchemeHTTP is plaintext TCP multiplexed by yamux.
	SchemeHTTP Scheme = "http"
	// SchemeHTTPS is TLS over TCP multiplexed by yamux.
	SchemeHTTPS Scheme = "https"
	// SchemeQUIC is QUIC, always secured by TLS 1.3.
	SchemeQUIC Scheme = "quic"
)

func (s Scheme) defaultPort() string {
	switch s {
	case SchemeHTTP:
		return "80"
	default:
		return "443"
	}
}

// Endpoint is an immutable network address a `Channel` can connect to.
//
// Two endpoints with the same normalized URI are the same endpoint, even if
// their TLS configuration differs. A `Channel` given the same endpoint with
// another TLS configuration closes its connection and dials it again.
type Endpoint struct {
	scheme Scheme
	host   string
	port   string
	tls    *ClientTLSConfig
}

// NewEndpoint parses a URI such as `https://api.example.com:8443` or
// `quic://10.0.0.7:4433`. The port defaults to 80 for http and 443
// otherwise.
func NewEndpoint(uri string) (Endpoint, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %w", ErrInvalidURI, err)
	}

	scheme := Scheme(strings.ToLower(parsed.Scheme))
	switch scheme {
	case SchemeHTTP, SchemeHTTPS, SchemeQUIC:
	default:
		return Endpoint{}, fmt.Errorf("%w: %q", ErrUnknownScheme, parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return Endpoint{}, fmt.Errorf("%w: %q has no host", ErrInvalidURI, uri)
	}
	if parsed.Path != "" && parsed.Path != "/" {
		return Endpoint{}, fmt.Errorf("%w: %q must not have a path", ErrInvalidURI, uri)
	}

	port := parsed.Port()
	if port == "" {
		port = scheme.defaultPort()
	}

	return Endpoint{
		scheme: scheme,
		host:   strings.ToLower(host),
		port:   port,
	}, nil
}

// MustEndpoint is like `NewEndpoint` but panics on invalid URIs.
func MustEndpoint(uri string) Endpoint {
	ep, err := NewEndpoint(uri)
	if err != nil {
		panic(err)
	}
	return ep
}

// WithTLS returns a copy of the endpoint using its own TLS configuration
// instead of the one of the `Channel`.
func (e Endpoint) WithTLS(cfg ClientTLSConfig) Endpoint {
	e.tls = &cfg
	return e
}

func (e Endpoint) sameTLS(other Endpoint) bool {
	return reflect.DeepEqual(e.tls, other.tls)
}

func (e Endpoint) Scheme() Scheme {
	return e.scheme
}

func (e Endpoint) Host() string {
	return e.host
}

// Address is the `host:port` pair dialed.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.host, e.port)
}

func (e Endpoint) Secure() bool {
	return e.scheme != SchemeHTTP
}

// String is the normalized URI, which is also the endpoint identity.
func (e Endpoint) String() string {
	return string(e.scheme) + "://" + e.Address()
}

func (e Endpoint) LogValue() slog.Value {
	return slog.StringValue(e.String())
}

func (e Endpoint) validate(channelTLS *ClientTLSConfig) error {
	if e.scheme == "" {
		return fmt.Errorf("%w: zero Endpoint", ErrInvalidURI)
	}
	if e.scheme == SchemeHTTP && e.tls != nil {
		return fmt.Errorf("%w: %s", ErrTLSOverPlainURI, e)
	}
	if e.Secure() {
		if _, err := e.tlsConfig(channelTLS).build(e.host); err != nil {
			return fmt.Errorf("%s: %w", e, err)
		}
	}
	return nil
}

func (e Endpoint) tlsConfig(channelTLS *ClientTLSConfig) *ClientTLSConfig {
	if e.tls != nil {
		return e.tls
	}
	return channelTLS
}

type dialerConfig struct {
	channelTLS       *ClientTLSConfig
	handshakeTimeout time.Duration
	keepAlive        time.Duration
	logHandler       slog.Handler
}

func (e Endpoint) dialer(cfg dialerConfig) (transport.Dialer, error) {
	switch e.scheme {
	case SchemeHTTP:
		return transport.NewMuxDialer(transport.MuxConfig{
			KeepAliveInterval: cfg.keepAlive,
			LogHandler:        cfg.logHandler,
		}), nil
	case SchemeHTTPS:
		tlsConf, err := e.tlsConfig(cfg.channelTLS).build(e.host)
		if err != nil {
			return nil, err
		}
		return transport.NewMuxDialer(transport.MuxConfig{
			Negotiator:        &transport.TLSNegotiator{Config: tlsConf},
			KeepAliveInterval: cfg.keepAlive,
			LogHandler:        cfg.logHandler,
		}), nil
	case SchemeQUIC:
		tlsConf, err := e.tlsConfig(cfg.channelTLS).build(e.host)
		if err != nil {
			return nil, err
		}
		return transport.NewQUICDialer(transport.QUICConfig{
			TLS:              tlsConf,
			HandshakeTimeout: cfg.handshakeTimeout,
			KeepAlivePeriod:  cfg.keepAlive,
			LogHandler:       cfg.logHandler,
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownScheme, e.scheme)
	}
}
