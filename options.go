package strait

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/raskyld/strait/pkg/limit"
)

const (
	DefaultConnectTimeout = 10 * time.Second
	defaultBackoffMin     = 100 * time.Millisecond
	defaultBackoffMax     = 10 * time.Second
)

type channelConfig struct {
	targets   int
	endpoints []Endpoint
	resolver  Resolver

	tls *ClientTLSConfig

	timeout          time.Duration
	ratePermits      int
	ratePeriod       time.Duration
	rateOpts         []limit.Option
	concurrency      int
	concurrencyOpts  []limit.Option
	middlewares      []Middleware
	connectTimeout   time.Duration
	handshakeTimeout time.Duration
	eager            bool
	idleTimeout      time.Duration
	keepAlive        time.Duration
	backoffMin       time.Duration
	backoffMax       time.Duration
	balancer         Balancer
	maxMessageSize   int

	logHandler   slog.Handler
	metricSink   metrics.MetricSink
	metricLabels []metrics.Label
}

func defaultChannelConfig() channelConfig {
	return channelConfig{
		connectTimeout: DefaultConnectTimeout,
		backoffMin:     defaultBackoffMin,
		backoffMax:     defaultBackoffMax,
		maxMessageSize: DefaultMaxMessageSize,
	}
}

func (cfg *channelConfig) dialerConfig() dialerConfig {
	handshake := cfg.handshakeTimeout
	if handshake == 0 {
		handshake = cfg.connectTimeout
	}
	return dialerConfig{
		channelTLS:       cfg.tls,
		handshakeTimeout: handshake,
		keepAlive:        cfg.keepAlive,
		logHandler:       cfg.logHandler,
	}
}

// validate checks combinations options cannot check one by one.
func (cfg *channelConfig) validate() error {
	if cfg.targets != 1 {
		return fmt.Errorf("%w: exactly one of WithTarget, WithEndpoints or WithResolver is required", ErrConfiguration)
	}
	for _, ep := range cfg.endpoints {
		if err := ep.validate(cfg.tls); err != nil {
			return fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
	}
	if cfg.backoffMin > cfg.backoffMax {
		return fmt.Errorf("%w: backoff min %s exceeds max %s", ErrConfiguration, cfg.backoffMin, cfg.backoffMax)
	}
	return nil
}

// ChannelOption to pass to `Connect`.
type ChannelOption func(*channelConfig) error

// WithTarget connects to a single endpoint URI.
func WithTarget(uri string) ChannelOption {
	return func(c *channelConfig) error {
		ep, err := NewEndpoint(uri)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		c.targets++
		c.endpoints = []Endpoint{ep}
		return nil
	}
}

// WithEndpoints balances over a fixed set of endpoints.
func WithEndpoints(endpoints ...Endpoint) ChannelOption {
	return func(c *channelConfig) error {
		if len(endpoints) == 0 {
			return fmt.Errorf("%w: WithEndpoints needs at least one endpoint", ErrConfiguration)
		}
		c.targets++
		c.endpoints = dedupEndpoints(endpoints)
		return nil
	}
}

// WithResolver balances over the endpoints produced by a `Resolver`.
func WithResolver(resolver Resolver) ChannelOption {
	return func(c *channelConfig) error {
		if resolver == nil {
			return fmt.Errorf("%w: nil resolver", ErrConfiguration)
		}
		c.targets++
		c.resolver = resolver
		return nil
	}
}

// WithTLS sets the TLS configuration of every https and quic endpoint
// without its own.
func WithTLS(cfg ClientTLSConfig) ChannelOption {
	return func(c *channelConfig) error {
		if _, err := cfg.build(""); err != nil {
			return fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		c.tls = &cfg
		return nil
	}
}

// WithTimeout bounds every call. Zero disables the bound, leaving only
// the deadline of the caller context.
func WithTimeout(timeout time.Duration) ChannelOption {
	return func(c *channelConfig) error {
		if timeout < 0 {
			return fmt.Errorf("%w: negative timeout", ErrConfiguration)
		}
		c.timeout = timeout
		return nil
	}
}

// WithRateLimit admits at most permits calls in any window of period.
func WithRateLimit(permits int, period time.Duration, opts ...limit.Option) ChannelOption {
	return func(c *channelConfig) error {
		if permits <= 0 || period <= 0 {
			return fmt.Errorf("%w: rate limit needs positive permits and period", ErrConfiguration)
		}
		c.ratePermits = permits
		c.ratePeriod = period
		c.rateOpts = opts
		return nil
	}
}

// WithConcurrencyLimit admits at most n calls in flight. Extra calls wait
// in arrival order.
func WithConcurrencyLimit(n int, opts ...limit.Option) ChannelOption {
	return func(c *channelConfig) error {
		if n <= 0 {
			return fmt.Errorf("%w: concurrency limit must be positive", ErrConfiguration)
		}
		c.concurrency = n
		c.concurrencyOpts = opts
		return nil
	}
}

// WithMiddleware adds middlewares run after the built-in policies, the
// first one being the outermost.
func WithMiddleware(mws ...Middleware) ChannelOption {
	return func(c *channelConfig) error {
		c.middlewares = append(c.middlewares, mws...)
		return nil
	}
}

// WithConnectTimeout bounds connection establishment, including the
// security handshake, and the wait for the first resolver update.
func WithConnectTimeout(timeout time.Duration) ChannelOption {
	return func(c *channelConfig) error {
		if timeout <= 0 {
			return fmt.Errorf("%w: connect timeout must be positive", ErrConfiguration)
		}
		c.connectTimeout = timeout
		return nil
	}
}

// WithHandshakeTimeout bounds the QUIC handshake separately from the
// connect timeout.
func WithHandshakeTimeout(timeout time.Duration) ChannelOption {
	return func(c *channelConfig) error {
		if timeout < 0 {
			return fmt.Errorf("%w: negative handshake timeout", ErrConfiguration)
		}
		c.handshakeTimeout = timeout
		return nil
	}
}

// WithEagerConnect makes `Connect` dial every endpoint and fail unless one
// of them is Ready within the connect timeout.
func WithEagerConnect() ChannelOption {
	return func(c *channelConfig) error {
		c.eager = true
		return nil
	}
}

// WithIdleTimeout closes connections without calls for longer than
// timeout.
func WithIdleTimeout(timeout time.Duration) ChannelOption {
	return func(c *channelConfig) error {
		if timeout < 0 {
			return fmt.Errorf("%w: negative idle timeout", ErrConfiguration)
		}
		c.idleTimeout = timeout
		return nil
	}
}

// WithKeepAlive sets the keep-alive period of connections.
func WithKeepAlive(period time.Duration) ChannelOption {
	return func(c *channelConfig) error {
		c.keepAlive = period
		return nil
	}
}

// WithReconnectBackoff bounds the exponential backoff applied to an
// endpoint after a failed or lost connection.
func WithReconnectBackoff(minDelay, maxDelay time.Duration) ChannelOption {
	return func(c *channelConfig) error {
		if minDelay <= 0 || maxDelay <= 0 {
			return fmt.Errorf("%w: backoff bounds must be positive", ErrConfiguration)
		}
		c.backoffMin = minDelay
		c.backoffMax = maxDelay
		return nil
	}
}

// WithBalancer chooses how calls are spread over Ready connections.
// Defaults to `RoundRobin`.
func WithBalancer(balancer Balancer) ChannelOption {
	return func(c *channelConfig) error {
		c.balancer = balancer
		return nil
	}
}

// WithMaxMessageSize bounds encoded requests and responses. Defaults to
// `DefaultMaxMessageSize`.
func WithMaxMessageSize(size int) ChannelOption {
	return func(c *channelConfig) error {
		if size <= 0 {
			return fmt.Errorf("%w: max message size must be positive", ErrConfiguration)
		}
		c.maxMessageSize = size
		return nil
	}
}

// WithLogHandler specifies which `slog.Handler` to use.
func WithLogHandler(handler slog.Handler) ChannelOption {
	return func(c *channelConfig) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// the `Channel`.
func WithMetricSink(ms metrics.MetricSink) ChannelOption {
	return func(c *channelConfig) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.metricSink = ms
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the
// `Channel`.
func WithMetricLabels(labels []metrics.Label) ChannelOption {
	return func(c *channelConfig) error {
		c.metricLabels = labels
		return nil
	}
}
