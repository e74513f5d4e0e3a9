package strait

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/yamux"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"github.com/raskyld/strait/pkg/transport"
)

// drainTimeout bounds how long a client waits for the end of a stream
// after the response frame.
const drainTimeout = time.Second

// poolEndpoint is an endpoint the pool balances over, with at most one
// connection at a time.
type poolEndpoint struct {
	ep      Endpoint
	dialer  transport.Dialer
	backoff *backoff.Backoff
	retryAt time.Time
	lastErr error
	conn    *conn
	removed bool
}

func (pe *poolEndpoint) eligible(now time.Time) bool {
	return pe.conn == nil && !pe.removed && !now.Before(pe.retryAt)
}

// pool maps calls onto connections.
//
// Connections are dialed lazily: a call finding no Ready connection dials
// every eligible endpoint and waits for the first to be Ready. A call
// finding one uses it and warms up idle endpoints in the background.
// Concurrent calls share the dial in progress for an endpoint.
type pool struct {
	cfg    *channelConfig
	logger *slog.Logger
	msink  metrics.MetricSink

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	endpoints []*poolEndpoint
	draining  map[*conn]struct{}
	closed    bool
	// changed is closed and replaced whenever a connection changes state
	// or the endpoint set is updated.
	changed chan struct{}

	resolved     chan struct{}
	resolvedOnce sync.Once

	dialLog rate.Sometimes
}

func newPool(cfg *channelConfig, logger *slog.Logger, msink metrics.MetricSink) *pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &pool{
		cfg:      cfg,
		logger:   logger,
		msink:    msink,
		ctx:      ctx,
		cancel:   cancel,
		draining: make(map[*conn]struct{}),
		changed:  make(chan struct{}),
		resolved: make(chan struct{}),
		dialLog:  rate.Sometimes{Interval: 5 * time.Second},
	}

	if cfg.idleTimeout > 0 {
		p.wg.Add(1)
		go p.reapIdle()
	}
	return p
}

// update reconciles the pool with a new endpoint set from the resolver.
func (p *pool) update(endpoints []Endpoint) {
	endpoints = dedupEndpoints(endpoints)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	wanted := make(map[string]Endpoint, len(endpoints))
	for _, ep := range endpoints {
		wanted[ep.String()] = ep
	}

	kept := make([]*poolEndpoint, 0, len(endpoints))
	for _, pe := range p.endpoints {
		// a new TLS configuration replaces the endpoint and its connection.
		if ep, ok := wanted[pe.ep.String()]; ok && pe.ep.sameTLS(ep) {
			kept = append(kept, pe)
			delete(wanted, pe.ep.String())
			continue
		}
		p.removeLocked(pe)
	}

	// new endpoints are appended in the order the resolver gave them.
	for _, ep := range endpoints {
		if _, isNew := wanted[ep.String()]; !isNew {
			continue
		}
		dialer, err := ep.dialer(p.cfg.dialerConfig())
		if err != nil {
			p.logger.Error("ignoring endpoint with invalid configuration",
				LabelEndpoint.L(ep), LabelError.L(err))
			continue
		}
		kept = append(kept, &poolEndpoint{
			ep:     ep,
			dialer: dialer,
			backoff: &backoff.Backoff{
				Min:    p.cfg.backoffMin,
				Max:    p.cfg.backoffMax,
				Factor: 2,
				Jitter: true,
			},
		})
	}

	p.endpoints = kept
	p.msink.SetGaugeWithLabels(MetricPoolEndpoints, float32(len(kept)), p.cfg.metricLabels)
	p.resolvedOnce.Do(func() { close(p.resolved) })
	p.broadcastLocked()
}

// must be called by the holder of p.mu
func (p *pool) removeLocked(pe *poolEndpoint) {
	pe.removed = true
	c := pe.conn
	if c == nil {
		return
	}
	pe.conn = nil
	switch c.state {
	case ConnReady:
		p.drainLocked(c)
	case ConnConnecting:
		// the dial goroutine closes what it gets.
		c.state = ConnClosed
	}
}

// drainLocked turns c into a Degraded connection closed once idle.
//
// must be called by the holder of p.mu
func (p *pool) drainLocked(c *conn) {
	if c.outstanding.Load() == 0 {
		p.closeConnLocked(c)
		return
	}
	c.state = ConnDegraded
	p.draining[c] = struct{}{}
}

// must be called by the holder of p.mu
func (p *pool) closeConnLocked(c *conn) {
	if c.state == ConnClosed {
		return
	}
	c.state = ConnClosed
	delete(p.draining, c)
	if c.session != nil {
		c.session.Close()
	}
	p.msink.IncrCounterWithLabels(MetricConnClosedCount, 1.0,
		withLabels(p.cfg.metricLabels, LabelEndpoint.M(c.endpoint.ep.String())))
}

// must be called by the holder of p.mu
func (p *pool) broadcastLocked() {
	close(p.changed)
	p.changed = make(chan struct{})
}

// waitResolved blocks until the resolver produced its first endpoint set,
// for at most the connect timeout.
func (p *pool) waitResolved(ctx context.Context) error {
	select {
	case <-p.resolved:
		return nil
	default:
	}

	timer := time.NewTimer(p.cfg.connectTimeout)
	defer timer.Stop()
	select {
	case <-p.resolved:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrChannelClosed
	case <-timer.C:
		return fmt.Errorf("%w: resolver produced no endpoint within %s", ErrTransportUnavailable, p.cfg.connectTimeout)
	}
}

// acquire returns a Ready connection with one more outstanding call.
// Callers MUST `release` it.
func (p *pool) acquire(ctx context.Context) (*conn, error) {
	if err := p.waitResolved(ctx); err != nil {
		return nil, err
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrChannelClosed
		}

		var (
			ready      []*conn
			candidates []Candidate
		)
		for _, pe := range p.endpoints {
			if pe.conn != nil && pe.conn.state == ConnReady {
				ready = append(ready, pe.conn)
				candidates = append(candidates, Candidate{
					Endpoint:    pe.ep,
					Outstanding: pe.conn.outstanding.Load(),
				})
			}
		}

		if len(ready) > 0 {
			c := ready[p.cfg.balancer.Pick(candidates)]
			c.outstanding.Add(1)
			c.touch()
			p.dialEligibleLocked()
			p.mu.Unlock()
			return c, nil
		}

		if p.dialEligibleLocked() == 0 {
			err := p.unavailableLocked()
			p.mu.Unlock()
			return nil, err
		}

		changed := p.changed
		p.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.ctx.Done():
			return nil, ErrChannelClosed
		}
	}
}

// dialEligibleLocked starts a dial for every eligible endpoint and returns
// how many dials are in progress.
//
// must be called by the holder of p.mu
func (p *pool) dialEligibleLocked() int {
	now := time.Now()
	connecting := 0
	for _, pe := range p.endpoints {
		if pe.eligible(now) {
			p.startDialLocked(pe)
		}
		if pe.conn != nil && pe.conn.state == ConnConnecting {
			connecting++
		}
	}
	return connecting
}

// must be called by the holder of p.mu
func (p *pool) unavailableLocked() error {
	if len(p.endpoints) == 0 {
		return fmt.Errorf("%w: no endpoint", ErrTransportUnavailable)
	}

	var lastErr error
	for _, pe := range p.endpoints {
		if pe.lastErr != nil {
			lastErr = pe.lastErr
		}
	}
	if lastErr == nil {
		return fmt.Errorf("%w: every endpoint is backing off", ErrTransportUnavailable)
	}
	return fmt.Errorf("%w: %w", ErrTransportUnavailable, lastErr)
}

// must be called by the holder of p.mu
func (p *pool) startDialLocked(pe *poolEndpoint) {
	c := &conn{endpoint: pe, state: ConnConnecting}
	pe.conn = c
	p.wg.Add(1)
	go p.dial(c)
}

func (p *pool) dial(c *conn) {
	defer p.wg.Done()
	pe := c.endpoint
	mLabels := withLabels(p.cfg.metricLabels, LabelEndpoint.M(pe.ep.String()))

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.connectTimeout)
	session, err := pe.dialer.Dial(ctx, pe.ep.Address())
	cancel()

	p.mu.Lock()
	defer p.mu.Unlock()
	defer p.broadcastLocked()

	if err != nil {
		if transport.IsSecurityError(err) {
			err = fmt.Errorf("%w: %s: %w", ErrSecurity, pe.ep, err)
			p.msink.IncrCounterWithLabels(MetricHandshakeErrorCount, 1.0, mLabels)
		} else {
			err = fmt.Errorf("%w: %s: %w", ErrConnect, pe.ep, err)
		}
		p.msink.IncrCounterWithLabels(MetricConnErrorCount, 1.0, mLabels)

		c.state = ConnClosed
		if pe.conn == c {
			pe.conn = nil
		}
		pe.lastErr = err
		pe.retryAt = time.Now().Add(pe.backoff.Duration())
		p.dialLog.Do(func() {
			p.logger.Warn("failed to connect", LabelEndpoint.L(pe.ep), LabelError.L(err))
		})
		return
	}

	if p.closed || c.state == ConnClosed || pe.conn != c {
		session.Close()
		c.state = ConnClosed
		return
	}

	c.session = session
	c.state = ConnReady
	c.touch()
	pe.backoff.Reset()
	pe.lastErr = nil
	pe.retryAt = time.Time{}

	p.msink.IncrCounterWithLabels(MetricConnEstCount, 1.0, mLabels)
	p.logger.Debug("connected", LabelEndpoint.L(pe.ep))

	p.wg.Add(1)
	go p.watch(c)
}

// watch evicts c once its session terminates.
func (p *pool) watch(c *conn) {
	defer p.wg.Done()
	select {
	case <-c.session.Done():
	case <-p.ctx.Done():
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.evictLocked(c, transport.ErrSessionClosed)
}

// evictLocked removes a broken connection and puts its endpoint in
// backoff.
//
// must be called by the holder of p.mu
func (p *pool) evictLocked(c *conn, cause error) {
	if c.state == ConnClosed {
		return
	}
	pe := c.endpoint
	if pe.conn == c {
		pe.conn = nil
		pe.retryAt = time.Now().Add(pe.backoff.Duration())
		pe.lastErr = fmt.Errorf("%w: %s: %w", ErrConnect, pe.ep, cause)
	}
	p.logger.Debug("connection lost", LabelEndpoint.L(pe.ep), LabelError.L(cause))
	p.closeConnLocked(c)
	p.broadcastLocked()
}

// refuse handles a connection which could not open a stream. A peer
// going away only stops new calls, other failures break the connection.
func (p *pool) refuse(c *conn, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !errors.Is(err, yamux.ErrRemoteGoAway) {
		p.evictLocked(c, err)
		return
	}

	pe := c.endpoint
	if pe.conn == c {
		pe.conn = nil
		pe.retryAt = time.Now().Add(pe.backoff.Duration())
	}
	if c.state == ConnReady {
		p.drainLocked(c)
	}
	p.broadcastLocked()
}

func (p *pool) release(c *conn) {
	c.touch()
	if c.outstanding.Add(-1) > 0 {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c.state == ConnDegraded && c.outstanding.Load() == 0 {
		p.closeConnLocked(c)
	}
}

// invoke dispatches one call. A stream which could not be opened carried
// nothing, so the call may be moved to another connection.
func (p *pool) invoke(ctx context.Context, req *Request) (*Response, error) {
	var timeout time.Duration
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return nil, deadlineErr(context.DeadlineExceeded)
		}
	}
	frame := marshalRequest(req, timeout)
	if len(frame) > p.cfg.maxMessageSize {
		return nil, fmt.Errorf("%w: %w: request of %d bytes", ErrResourceExhausted, ErrFrameTooLarge, len(frame))
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxOpenRetries(); attempt++ {
		c, err := p.acquire(ctx)
		if err != nil {
			if lastErr != nil && errors.Is(err, ErrTransportUnavailable) {
				return nil, fmt.Errorf("%w: %w", err, lastErr)
			}
			return nil, err
		}

		stream, err := c.session.OpenStream(ctx)
		if err != nil {
			p.release(c)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			p.refuse(c, err)
			lastErr = err
			continue
		}

		resp, err := p.exchange(ctx, stream, frame)
		p.release(c)
		return resp, err
	}
	return nil, fmt.Errorf("%w: %w", ErrTransportUnavailable, lastErr)
}

func (p *pool) maxOpenRetries() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}

// exchange runs the request/response protocol on a fresh stream. The
// write side stays open until the response is read: closing it earlier
// would tell the server the call is abandoned.
func (p *pool) exchange(ctx context.Context, stream transport.Stream, frame []byte) (*Response, error) {
	stop := context.AfterFunc(ctx, stream.Reset)
	defer stop()

	if err := writeFrame(stream, frame, p.cfg.maxMessageSize); err != nil {
		stream.Reset()
		return nil, p.streamErr(ctx, err)
	}

	br := bufio.NewReader(stream)
	respFrame, err := readFrame(br, p.cfg.maxMessageSize)
	if err != nil {
		stream.Reset()
		if errors.Is(err, io.EOF) {
			err = fmt.Errorf("%w: stream ended without response", ErrProtocolViolation)
		}
		return nil, p.streamErr(ctx, err)
	}

	resp, err := unmarshalResponse(respFrame)

	stream.SetReadDeadline(time.Now().Add(drainTimeout))
	if _, derr := io.Copy(io.Discard, br); derr != nil {
		stream.Reset()
	} else {
		stream.Close()
	}
	return resp, err
}

func (p *pool) streamErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return deadlineErr(ctxErr)
	}
	switch {
	case errors.Is(err, ErrFrameTooLarge):
		return fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	case errors.Is(err, ErrProtocolViolation):
		return err
	default:
		return fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}
}

// connectAll dials every endpoint and waits for one to be Ready, for at
// most the connect timeout.
func (p *pool) connectAll(ctx context.Context) error {
	if err := p.waitResolved(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.connectTimeout)
	defer cancel()

	for {
		p.mu.Lock()
		for _, pe := range p.endpoints {
			if pe.conn != nil && pe.conn.state == ConnReady {
				p.mu.Unlock()
				return nil
			}
		}
		if p.dialEligibleLocked() == 0 {
			err := p.unavailableLocked()
			p.mu.Unlock()
			return fmt.Errorf("%w: %w", ErrConnect, err)
		}
		changed := p.changed
		p.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrConnect, ctx.Err())
		}
	}
}

func (p *pool) reapIdle() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.idleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
		}

		p.mu.Lock()
		cutoff := time.Now().Add(-p.cfg.idleTimeout)
		for _, pe := range p.endpoints {
			c := pe.conn
			if c == nil || c.state != ConnReady {
				continue
			}
			if c.outstanding.Load() == 0 && c.idleSince().Before(cutoff) {
				pe.conn = nil
				p.logger.Debug("closing idle connection", LabelEndpoint.L(pe.ep))
				p.closeConnLocked(c)
			}
		}
		p.broadcastLocked()
		p.mu.Unlock()
	}
}

func (p *pool) snapshot() []EndpointState {
	p.mu.Lock()
	defer p.mu.Unlock()

	states := make([]EndpointState, 0, len(p.endpoints))
	ready := 0
	for _, pe := range p.endpoints {
		st := EndpointState{
			Endpoint:  pe.ep,
			State:     ConnIdle,
			LastError: pe.lastErr,
			RetryAt:   pe.retryAt,
		}
		if pe.conn != nil {
			st.State = pe.conn.state
			st.Outstanding = pe.conn.outstanding.Load()
			if st.State == ConnReady {
				ready++
			}
		}
		states = append(states, st)
	}
	p.msink.SetGaugeWithLabels(MetricPoolReady, float32(ready), p.cfg.metricLabels)
	return states
}

// drainingCount is the number of Degraded connections still open.
func (p *pool) drainingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.draining)
}

func (p *pool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.cancel()

	for _, pe := range p.endpoints {
		if pe.conn != nil {
			c := pe.conn
			pe.conn = nil
			if c.state == ConnConnecting {
				c.state = ConnClosed
				continue
			}
			p.closeConnLocked(c)
		}
	}
	for c := range p.draining {
		p.closeConnLocked(c)
	}
	p.broadcastLocked()
	p.mu.Unlock()

	p.wg.Wait()
}
