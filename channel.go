package strait

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/raskyld/strait/pkg/limit"
)

// Channel is the client side of strait. It balances calls over the
// connections to its endpoints and applies the configured policies to
// each of them.
//
// A Channel is safe for concurrent use.
type Channel struct {
	cfg    channelConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	pool   *pool
	invoke Invoker

	rate        *limit.Rate
	concurrency *limit.Concurrency

	stopWatch context.CancelFunc
	watchDone chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

// Connect validates the configuration and returns a `Channel`.
//
// Connections are established lazily by the first calls, unless
// `WithEagerConnect` is used.
func Connect(ctx context.Context, opts ...ChannelOption) (ch *Channel, err error) {
	cfg := defaultChannelConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.balancer == nil {
		cfg.balancer = &RoundRobin{}
	}

	ch = &Channel{
		cfg:       cfg,
		watchDone: make(chan struct{}),
	}

	if cfg.logHandler == nil {
		ch.logger = slog.Default()
	} else {
		ch.logger = slog.New(cfg.logHandler)
	}

	if cfg.metricSink == nil {
		ch.msink = metrics.Default()
	} else {
		ch.msink = cfg.metricSink
	}

	var mws []Middleware
	if cfg.ratePermits > 0 {
		ch.rate, err = limit.NewRate(cfg.ratePermits, cfg.ratePeriod, cfg.rateOpts...)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		mws = append(mws, RateLimit(ch.rate))
	}
	if cfg.concurrency > 0 {
		ch.concurrency, err = limit.NewConcurrency(cfg.concurrency, cfg.concurrencyOpts...)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		mws = append(mws, ConcurrencyLimit(ch.concurrency))
	}
	if cfg.timeout > 0 {
		mws = append(mws, Timeout(cfg.timeout))
	}
	mws = append(mws, cfg.middlewares...)

	ch.pool = newPool(&ch.cfg, ch.logger, ch.msink)
	ch.invoke = Chain(mws...)(ch.pool.invoke)

	resolver := cfg.resolver
	if resolver == nil {
		resolver = StaticResolver(cfg.endpoints)
	}
	watchCtx, stopWatch := context.WithCancel(context.Background())
	ch.stopWatch = stopWatch
	go ch.watch(watchCtx, resolver)

	if cfg.eager {
		if err := ch.pool.connectAll(ctx); err != nil {
			ch.Close()
			return nil, err
		}
	}
	return ch, nil
}

func (ch *Channel) watch(ctx context.Context, resolver Resolver) {
	defer close(ch.watchDone)
	err := resolver.Watch(ctx, ch.pool.update)
	if err != nil && ctx.Err() == nil {
		ch.logger.Warn("resolver stopped, keeping the last endpoints", LabelError.L(err))
	}
}

// Call sends req and waits for its response.
//
// Errors are either a `*Status` sent by the server or wrap one of the
// sentinels of this package. `StatusFromError` classifies both.
func (ch *Channel) Call(ctx context.Context, req *Request) (*Response, error) {
	if ch.closed.Load() {
		return nil, ErrChannelClosed
	}
	if req == nil || req.Service == "" {
		return nil, fmt.Errorf("%w: request without service", ErrConfiguration)
	}

	start := time.Now()
	resp, err := ch.invoke(ctx, req)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrDeadlineExceeded) {
		err = fmt.Errorf("%w: %w", ErrDeadlineExceeded, err)
	}

	code := CodeOf(err)
	mLabels := withLabels(ch.cfg.metricLabels, LabelService.M(req.Service), LabelCode.M(code.String()))
	ch.msink.IncrCounterWithLabels(MetricCallCount, 1.0, mLabels)
	ch.msink.AddSampleWithLabels(MetricCallLatency, float32(time.Since(start).Milliseconds()), mLabels)
	if ch.concurrency != nil {
		ch.msink.SetGaugeWithLabels(MetricLimiterWaiting, float32(ch.concurrency.Waiting()),
			withLabels(ch.cfg.metricLabels, LabelLimiter.M("concurrency")))
	}
	if ch.rate != nil {
		ch.msink.SetGaugeWithLabels(MetricLimiterWaiting, float32(ch.rate.Waiting()),
			withLabels(ch.cfg.metricLabels, LabelLimiter.M("rate")))
	}

	if err != nil {
		ch.logger.Debug("call failed",
			LabelService.L(req.Service), LabelMethod.L(req.Method),
			LabelCode.L(code.String()), LabelError.L(err))
		return nil, err
	}
	return resp, nil
}

// State is a snapshot of the endpoints of the channel, in registration
// order.
func (ch *Channel) State() []EndpointState {
	return ch.pool.snapshot()
}

// Close stops the resolver and closes every connection. In-flight calls
// fail and later calls return `ErrChannelClosed`.
func (ch *Channel) Close() error {
	ch.closeOnce.Do(func() {
		ch.closed.Store(true)
		ch.stopWatch()
		ch.pool.close()
		<-ch.watchDone
	})
	return nil
}
