package strait

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

const (
	DefaultGracePeriod      = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
)

type serverConfig struct {
	services            []serviceEntry
	tls                 *ServerTLSConfig
	tlsConf             *tls.Config
	perConnConcurrency  int
	timeout             time.Duration
	middlewares         []Middleware
	gracePeriod         time.Duration
	handshakeTimeout    time.Duration
	maxMessageSize      int
	maxConnsPerClientIP int
	maxIncomingStreams  int64
	identityResolver    IdentityResolver

	logHandler   slog.Handler
	metricSink   metrics.MetricSink
	metricLabels []metrics.Label
}

type serviceEntry struct {
	name    string
	handler Handler
}

func defaultServerConfig() serverConfig {
	return serverConfig{
		gracePeriod:      DefaultGracePeriod,
		handshakeTimeout: DefaultHandshakeTimeout,
		maxMessageSize:   DefaultMaxMessageSize,
		identityResolver: CommonNameResolver,
	}
}

// ServerOption to pass to `NewServer`.
type ServerOption func(*serverConfig) error

// WithService registers the handler of a service. Names are unique.
func WithService(name string, handler Handler) ServerOption {
	return func(c *serverConfig) error {
		c.services = append(c.services, serviceEntry{name: name, handler: handler})
		return nil
	}
}

// WithServerTLS makes https and quic listeners present identity and,
// when `ServerTLSConfig.ClientCA` is set, authenticate clients.
func WithServerTLS(cfg ServerTLSConfig) ServerOption {
	return func(c *serverConfig) error {
		tlsConf, err := cfg.build()
		if err != nil {
			return fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		c.tls = &cfg
		c.tlsConf = tlsConf
		return nil
	}
}

// WithConcurrencyLimitPerConnection serves at most n streams of a
// connection at once. Extra streams wait in arrival order, streams of
// other connections are unaffected.
func WithConcurrencyLimitPerConnection(n int) ServerOption {
	return func(c *serverConfig) error {
		if n <= 0 {
			return fmt.Errorf("%w: per connection concurrency limit must be positive", ErrConfiguration)
		}
		c.perConnConcurrency = n
		return nil
	}
}

// WithServerTimeout bounds every handler, on top of the deadline
// propagated by the caller.
func WithServerTimeout(timeout time.Duration) ServerOption {
	return func(c *serverConfig) error {
		if timeout < 0 {
			return fmt.Errorf("%w: negative timeout", ErrConfiguration)
		}
		c.timeout = timeout
		return nil
	}
}

// WithServerMiddleware adds middlewares around every handler, the first
// one being the outermost.
func WithServerMiddleware(mws ...Middleware) ServerOption {
	return func(c *serverConfig) error {
		c.middlewares = append(c.middlewares, mws...)
		return nil
	}
}

// WithGracePeriod controls how long `Server.Shutdown` lets in-flight
// streams finish before cancelling them.
func WithGracePeriod(period time.Duration) ServerOption {
	return func(c *serverConfig) error {
		if period == 0 {
			period = DefaultGracePeriod
		}
		c.gracePeriod = period
		return nil
	}
}

// WithServerHandshakeTimeout bounds the security negotiation of inbound
// connections and the wait for the request of a new stream.
func WithServerHandshakeTimeout(timeout time.Duration) ServerOption {
	return func(c *serverConfig) error {
		if timeout <= 0 {
			return fmt.Errorf("%w: handshake timeout must be positive", ErrConfiguration)
		}
		c.handshakeTimeout = timeout
		return nil
	}
}

// WithServerMaxMessageSize bounds encoded requests and responses.
func WithServerMaxMessageSize(size int) ServerOption {
	return func(c *serverConfig) error {
		if size <= 0 {
			return fmt.Errorf("%w: max message size must be positive", ErrConfiguration)
		}
		c.maxMessageSize = size
		return nil
	}
}

// WithMaxConnsPerClientIP caps the TCP connections a single client IP may
// hold. Zero means no limit.
func WithMaxConnsPerClientIP(n int) ServerOption {
	return func(c *serverConfig) error {
		if n < 0 {
			return fmt.Errorf("%w: negative connection limit", ErrConfiguration)
		}
		c.maxConnsPerClientIP = n
		return nil
	}
}

// WithMaxIncomingStreams caps the streams a QUIC peer may open at once.
func WithMaxIncomingStreams(n int64) ServerOption {
	return func(c *serverConfig) error {
		if n < 0 {
			return fmt.Errorf("%w: negative stream limit", ErrConfiguration)
		}
		c.maxIncomingStreams = n
		return nil
	}
}

// WithIdentityResolver chooses how `Peer.Name` is derived from client
// certificates.
func WithIdentityResolver(resolver IdentityResolver) ServerOption {
	return func(c *serverConfig) error {
		if resolver == nil {
			resolver = CommonNameResolver
		}
		c.identityResolver = resolver
		return nil
	}
}

// WithServerLogHandler specifies which `slog.Handler` to use.
func WithServerLogHandler(handler slog.Handler) ServerOption {
	return func(c *serverConfig) error {
		c.logHandler = handler
		return nil
	}
}

// WithServerMetricSink allows you to chose how to collect the metrics
// emitted by the `Server`.
func WithServerMetricSink(ms metrics.MetricSink) ServerOption {
	return func(c *serverConfig) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.metricSink = ms
		return nil
	}
}

// WithServerMetricLabels adds static labels to all metrics produced by
// the `Server`.
func WithServerMetricLabels(labels []metrics.Label) ServerOption {
	return func(c *serverConfig) error {
		c.metricLabels = labels
		return nil
	}
}
