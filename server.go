package strait

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"github.com/raskyld/strait/pkg/limit"
	"github.com/raskyld/strait/pkg/transport"
)

// drainLinger is how long an idle connection stays open after the server
// started to shut down, so the last responses reach the peer before the
// session is torn down.
const drainLinger = 250 * time.Millisecond

// ServerState is the lifecycle of a `Server`.
type ServerState uint8

const (
	ServerIdle ServerState = iota
	// ServerBound means at least one listener was allocated by `Listen`.
	ServerBound
	ServerAccepting
	ServerShuttingDown
	ServerStopped
)

func (s ServerState) String() string {
	switch s {
	case ServerIdle:
		return "idle"
	case ServerBound:
		return "bound"
	case ServerAccepting:
		return "accepting"
	case ServerShuttingDown:
		return "shutting_down"
	case ServerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Server accepts connections and dispatches their streams to the handler
// of the requested service.
type Server struct {
	cfg      serverConfig
	logger   *slog.Logger
	msink    metrics.MetricSink
	registry *registry
	invoke   Invoker

	// forceCtx is the parent of every connection and handler context. It
	// is cancelled when in-flight streams must be abandoned.
	forceCtx context.Context
	force    context.CancelFunc

	mu         sync.Mutex
	state      ServerState
	listeners  map[transport.Listener]struct{}
	conns      map[*serverConn]struct{}
	shutdownCh chan struct{}
	stopped    chan struct{}

	// wg tracks serve loops and connections.
	wg sync.WaitGroup

	acceptLog rate.Sometimes
}

// serverConn is one established inbound session.
type serverConn struct {
	session transport.Session
	peer    *Peer
	logger  *slog.Logger
	// gate is nil when streams are not limited per connection.
	gate *limit.Concurrency

	ctx    context.Context
	cancel context.CancelFunc

	active    atomic.Int64
	closeOnce sync.Once
}

func (sc *serverConn) closeLater() {
	sc.closeOnce.Do(func() {
		time.AfterFunc(drainLinger, func() {
			sc.session.Close()
		})
	})
}

// NewServer validates the options and registers the services. It does not
// listen on anything, see `Listen` and `Serve`.
func NewServer(opts ...ServerOption) (*Server, error) {
	cfg := defaultServerConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}

	s := &Server{
		cfg:        cfg,
		registry:   newRegistry(),
		listeners:  make(map[transport.Listener]struct{}),
		conns:      make(map[*serverConn]struct{}),
		shutdownCh: make(chan struct{}),
		stopped:    make(chan struct{}),
		acceptLog:  rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}

	for _, svc := range cfg.services {
		if err := s.registry.register(svc.name, svc.handler); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
	}

	if cfg.logHandler == nil {
		s.logger = slog.Default()
	} else {
		s.logger = slog.New(cfg.logHandler)
	}

	if cfg.metricSink == nil {
		s.msink = metrics.Default()
	} else {
		s.msink = cfg.metricSink
	}

	var mws []Middleware
	if cfg.timeout > 0 {
		mws = append(mws, Timeout(cfg.timeout))
	}
	mws = append(mws, cfg.middlewares...)
	s.invoke = Chain(mws...)(s.dispatch)

	s.forceCtx, s.force = context.WithCancel(context.Background())
	return s, nil
}

func (s *Server) dispatch(ctx context.Context, req *Request) (*Response, error) {
	handler, ok := s.registry.lookup(req.Service)
	if !ok {
		return nil, Errorf(CodeNotFound, "unknown service %q", req.Service)
	}
	return handler.Serve(ctx, req)
}

// Listen allocates a listener for a URI such as `http://0.0.0.0:8080`,
// `https://[::]:8443` or `quic://0.0.0.0:4433`. Secure schemes need
// `WithServerTLS`.
func (s *Server) Listen(uri string) (transport.Listener, error) {
	ep, err := NewEndpoint(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if ep.Secure() && s.cfg.tlsConf == nil {
		return nil, fmt.Errorf("%w: %s listener needs WithServerTLS", ErrConfiguration, ep.Scheme())
	}

	s.mu.Lock()
	if s.state >= ServerShuttingDown {
		s.mu.Unlock()
		return nil, ErrServerStopped
	}
	s.mu.Unlock()

	var ln transport.Listener
	switch ep.Scheme() {
	case SchemeQUIC:
		ln, err = transport.ListenQUIC(ep.Address(), transport.QUICConfig{
			TLS:                s.cfg.tlsConf,
			MaxIncomingStreams: s.cfg.maxIncomingStreams,
			HandshakeTimeout:   s.cfg.handshakeTimeout,
			LogHandler:         s.cfg.logHandler,
		})
	default:
		muxCfg := transport.MuxConfig{
			MaxConnsPerClientIP: s.cfg.maxConnsPerClientIP,
			LogHandler:          s.cfg.logHandler,
		}
		if ep.Secure() {
			muxCfg.Negotiator = &transport.TLSNegotiator{Config: s.cfg.tlsConf}
		}
		ln, err = transport.ListenMux(ep.Address(), muxCfg)
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.state == ServerIdle {
		s.state = ServerBound
	}
	s.mu.Unlock()
	s.logger.Debug("listener bound", "addr", ln.Addr(), "scheme", ep.Scheme())
	return ln, nil
}

// Serve accepts connections on ln until ctx is done or the server shuts
// down, and closes ln before returning. Connections already established
// are only stopped by `Shutdown`.
//
// Serve returns `ErrServerStopped` once `Shutdown` was called.
func (s *Server) Serve(ctx context.Context, ln transport.Listener) error {
	s.mu.Lock()
	if s.state >= ServerShuttingDown {
		s.mu.Unlock()
		ln.Close()
		return ErrServerStopped
	}
	s.state = ServerAccepting
	s.listeners[ln] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.listeners, ln)
		s.mu.Unlock()
		ln.Close()
	}()

	s.logger.Info("serving", "addr", ln.Addr())

	retry := &backoff.Backoff{
		Min:    5 * time.Millisecond,
		Max:    time.Second,
		Factor: 2,
	}

	for {
		in, err := ln.Accept(ctx)
		if err != nil {
			if s.shuttingDown() {
				return ErrServerStopped
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, transport.ErrListenerClosed) {
				return err
			}

			if errors.Is(err, transport.ErrConnLimit) {
				s.msink.IncrCounterWithLabels(MetricServerRejectedCount, 1.0,
					withLabels(s.cfg.metricLabels, LabelError.M("conn_limit")))
				s.acceptLog.Do(func() {
					s.logger.Warn("connection rejected", LabelError.L(err))
				})
				continue
			}

			delay := retry.Duration()
			s.acceptLog.Do(func() {
				s.logger.Warn("error accepting connection", LabelError.L(err), "retry_in", delay)
			})
			select {
			case <-time.After(delay):
			case <-ctx.Done():
			case <-s.shutdownCh:
			}
			continue
		}
		retry.Reset()

		s.wg.Add(1)
		go s.serveConn(in)
	}
}

// ListenAndServe is `Listen` followed by `Serve`.
func (s *Server) ListenAndServe(ctx context.Context, uri string) error {
	ln, err := s.Listen(uri)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) serveConn(in transport.Incoming) {
	defer s.wg.Done()

	remote := in.RemoteAddr()
	logger := s.logger.With(LabelPeerAddr.L(remote.String()))
	mLabels := withLabels(s.cfg.metricLabels, LabelPeerAddr.M(remote.String()))

	ctx, cancel := context.WithTimeout(s.forceCtx, s.cfg.handshakeTimeout)
	session, err := in.Establish(ctx)
	cancel()
	if err != nil {
		in.Close()
		s.msink.IncrCounterWithLabels(MetricHandshakeErrorCount, 1.0, mLabels)
		s.acceptLog.Do(func() {
			logger.Warn("failed to establish connection", LabelError.L(err))
		})
		return
	}

	peer := &Peer{Addr: remote, TLS: session.ConnectionState()}
	if peer.TLS != nil {
		peer.Name, err = s.cfg.identityResolver(peer.TLS.PeerCertificates)
		if err != nil {
			session.Close()
			s.msink.IncrCounterWithLabels(MetricServerRejectedCount, 1.0,
				withLabels(mLabels, LabelError.M("identity")))
			s.acceptLog.Do(func() {
				logger.Warn("could not resolve peer identity", LabelError.L(err))
			})
			return
		}
	}

	sc := &serverConn{
		session: session,
		peer:    peer,
		logger:  logger.With("peer", peer),
	}
	sc.ctx, sc.cancel = context.WithCancel(s.forceCtx)
	if s.cfg.perConnConcurrency > 0 {
		sc.gate, err = limit.NewConcurrency(s.cfg.perConnConcurrency)
		if err != nil {
			// unreachable, the option rejects non positive limits.
			sc.cancel()
			session.Close()
			return
		}
	}

	s.mu.Lock()
	if s.state >= ServerShuttingDown {
		s.mu.Unlock()
		sc.cancel()
		session.Close()
		return
	}
	s.conns[sc] = struct{}{}
	s.mu.Unlock()

	s.msink.IncrCounterWithLabels(MetricServerConnCount, 1.0, mLabels)
	sc.logger.Debug("connection established")

	s.serveStreams(sc)

	s.mu.Lock()
	delete(s.conns, sc)
	s.mu.Unlock()
	sc.logger.Debug("connection closed")
}

func (s *Server) serveStreams(sc *serverConn) {
	var streams sync.WaitGroup
	defer func() {
		streams.Wait()
		sc.cancel()
		sc.session.Close()
	}()

	go func() {
		select {
		case <-sc.session.Done():
			sc.cancel()
		case <-sc.ctx.Done():
		}
	}()

	for {
		stream, err := sc.session.AcceptStream(sc.ctx)
		if err != nil {
			if sc.ctx.Err() == nil && !errors.Is(err, transport.ErrSessionClosed) {
				sc.logger.Debug("stopped accepting streams", LabelError.L(err))
			}
			return
		}

		queued := time.Now()
		sc.active.Add(1)
		streams.Add(1)

		if s.shuttingDown() {
			go func() {
				defer streams.Done()
				defer s.streamDone(sc)
				s.reply(stream, nil, Errorf(CodeUnavailable, "server is shutting down"))
			}()
			continue
		}

		in := s.receive(sc, stream)

		release := func() {}
		if sc.gate != nil {
			release, err = sc.gate.Acquire(in.ctx)
			if err != nil {
				// abandoned while queued: the slot goes to the next stream.
				go func() {
					defer streams.Done()
					defer s.streamDone(sc)
					in.discard()
				}()
				if sc.ctx.Err() != nil {
					return
				}
				continue
			}
		}
		s.msink.AddSampleWithLabels(MetricServerStreamQueueTime,
			float32(time.Since(queued).Milliseconds()), s.cfg.metricLabels)

		go func() {
			defer streams.Done()
			defer s.streamDone(sc)
			defer release()
			s.serveStream(sc, in)
		}()
	}
}

// streamDone closes connections left idle by a shutdown.
func (s *Server) streamDone(sc *serverConn) {
	if sc.active.Add(-1) == 0 && s.shuttingDown() {
		sc.closeLater()
	}
}

// inbound is a stream whose request is being read. Its context is
// cancelled as soon as the caller abandons the call, queued or not.
type inbound struct {
	stream transport.Stream
	ctx    context.Context
	cancel context.CancelFunc

	// ready is closed once req, timeout and err are set.
	ready    chan struct{}
	req      *Request
	received time.Time
	timeout  time.Duration
	err      error

	abandoned atomic.Bool
	watchDone chan struct{}
}

// receive reads the request of stream in the background, then watches
// the caller side: the caller keeps it open until it has the response,
// so its end means the call was abandoned.
func (s *Server) receive(sc *serverConn, stream transport.Stream) *inbound {
	ctx, cancel := context.WithCancel(withPeer(sc.ctx, sc.peer))
	in := &inbound{
		stream:    stream,
		ctx:       ctx,
		cancel:    cancel,
		ready:     make(chan struct{}),
		watchDone: make(chan struct{}),
	}

	go func() {
		defer close(in.watchDone)
		br := bufio.NewReader(stream)

		stream.SetReadDeadline(time.Now().Add(s.cfg.handshakeTimeout))
		frame, err := readFrame(br, s.cfg.maxMessageSize)
		if err == nil {
			in.req, in.timeout, err = unmarshalRequest(frame)
		}
		in.received = time.Now()
		in.err = err
		close(in.ready)

		if err != nil {
			if !errors.Is(err, ErrFrameTooLarge) && !errors.Is(err, ErrProtocolViolation) {
				in.abandoned.Store(true)
				in.cancel()
			}
			return
		}

		stream.SetReadDeadline(time.Time{})
		io.Copy(io.Discard, br)
		in.abandoned.Store(true)
		in.cancel()
	}()
	return in
}

func (in *inbound) discard() {
	in.stream.Reset()
	in.cancel()
	<-in.watchDone
}

type callResult struct {
	resp *Response
	err  error
}

func (s *Server) serveStream(sc *serverConn, in *inbound) {
	defer in.cancel()
	start := time.Now()
	stream := in.stream

	<-in.ready
	if err := in.err; err != nil {
		switch {
		case errors.Is(err, ErrFrameTooLarge):
			s.reply(stream, nil, Errorf(CodeResourceExhausted, "%s", err))
		case errors.Is(err, ErrProtocolViolation):
			s.reply(stream, nil, Errorf(CodeInvalidArgument, "%s", err))
		default:
			stream.Reset()
		}
		sc.logger.Debug("unreadable request", LabelError.L(err))
		<-in.watchDone
		return
	}
	if in.abandoned.Load() {
		in.discard()
		return
	}

	ctx := in.ctx
	if in.timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithDeadline(ctx, in.received.Add(in.timeout))
		defer cancelTimeout()
	}

	req := in.req
	result := make(chan callResult, 1)
	go func() {
		resp, err := s.invoke(ctx, req)
		result <- callResult{resp, err}
	}()

	var st *Status
	select {
	case res := <-result:
		if sc.ctx.Err() != nil || in.abandoned.Load() {
			stream.Reset()
			st = &Status{Code: CodeCanceled}
			break
		}
		st = s.statusOf(res.err)
		s.reply(stream, res.resp, st)
	case <-sc.ctx.Done():
		stream.Reset()
		st = &Status{Code: CodeCanceled}
	}

	stream.SetReadDeadline(time.Now().Add(drainTimeout))
	<-in.watchDone

	code := CodeOK
	if st != nil {
		code = st.Code
	}
	mLabels := withLabels(s.cfg.metricLabels, LabelService.M(req.Service), LabelCode.M(code.String()))
	s.msink.IncrCounterWithLabels(MetricServerStreamCount, 1.0, mLabels)
	s.msink.AddSampleWithLabels(MetricServerStreamLatency, float32(time.Since(start).Milliseconds()), mLabels)
}

// statusOf forwards handler statuses and classifies everything else as
// unknown, deadlines aside.
func (s *Server) statusOf(err error) *Status {
	if err == nil {
		return nil
	}
	var st *Status
	if errors.As(err, &st) {
		return st
	}
	if errors.Is(err, ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &Status{Code: CodeDeadlineExceeded, Message: err.Error()}
	}
	return &Status{Code: CodeUnknown, Message: err.Error()}
}

// reply writes the response frame, or st when it is not nil, then ends
// the server side of the stream.
func (s *Server) reply(stream transport.Stream, resp *Response, st *Status) {
	frame := marshalResponse(resp, st)
	if len(frame) > s.cfg.maxMessageSize {
		frame = marshalResponse(nil, Errorf(CodeResourceExhausted,
			"response of %d bytes exceeds %d", len(frame), s.cfg.maxMessageSize))
	}
	if err := writeFrame(stream, frame, s.cfg.maxMessageSize); err != nil {
		stream.Reset()
		return
	}
	stream.Close()
}

func (s *Server) shuttingDown() bool {
	select {
	case <-s.shutdownCh:
		return true
	default:
		return false
	}
}

// Shutdown stops accepting connections, asks peers to stop opening
// streams and waits for in-flight streams. When ctx or the grace period
// expires first, remaining handlers are cancelled and their streams
// reset. It returns ctx.Err() if ctx expired.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case ServerStopped:
		s.mu.Unlock()
		return nil
	case ServerShuttingDown:
		s.mu.Unlock()
		select {
		case <-s.stopped:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.state = ServerShuttingDown
	close(s.shutdownCh)
	for ln := range s.listeners {
		ln.Close()
	}
	for sc := range s.conns {
		sc.session.GoAway()
		if sc.active.Load() == 0 {
			sc.closeLater()
		}
	}
	s.mu.Unlock()

	start := time.Now()
	s.logger.Info("shutting down...")

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(s.cfg.gracePeriod)
	defer grace.Stop()

	var err error
	select {
	case <-done:
	case <-grace.C:
		s.logger.Warn("shutdown: grace period expired, cancelling in-flight streams")
	case <-ctx.Done():
		err = ctx.Err()
		s.logger.Warn("shutdown: cancelling in-flight streams", LabelError.L(err))
	}

	s.force()
	s.mu.Lock()
	for sc := range s.conns {
		sc.session.Close()
	}
	s.mu.Unlock()
	<-done

	s.mu.Lock()
	s.state = ServerStopped
	s.mu.Unlock()
	close(s.stopped)

	s.logger.Info("shutdown: completed", "duration", time.Since(start))
	return err
}

func (s *Server) State() ServerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Services lists the registered service names in lexical order.
func (s *Server) Services() []string {
	return s.registry.services("")
}
