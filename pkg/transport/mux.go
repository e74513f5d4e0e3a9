package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-connlimit"
	"github.com/hashicorp/yamux"
)

// MuxConfig configures the TCP transport multiplexed by yamux.
type MuxConfig struct {
	// Negotiator secures every raw connection before yamux runs on it.
	// Nil leaves connections in plaintext.
	Negotiator Negotiator

	// MaxConnsPerClientIP caps inbound connections from a single client
	// IP. Zero means no limit.
	MaxConnsPerClientIP int

	// AcceptBacklog caps streams opened by the peer but not accepted yet.
	AcceptBacklog int

	KeepAliveInterval time.Duration

	// LogHandler receives yamux logs at debug level.
	LogHandler slog.Handler
}

func (cfg *MuxConfig) yamuxConfig() *yamux.Config {
	conf := yamux.DefaultConfig()
	handler := cfg.LogHandler
	if handler == nil {
		handler = slog.Default().Handler()
	}
	conf.LogOutput = slog.NewLogLogger(handler, slog.LevelDebug).Writer()
	if cfg.AcceptBacklog > 0 {
		conf.AcceptBacklog = cfg.AcceptBacklog
	}
	if cfg.KeepAliveInterval > 0 {
		conf.KeepAliveInterval = cfg.KeepAliveInterval
	}
	return conf
}

// MuxDialer dials TCP connections and multiplexes them with yamux.
type MuxDialer struct {
	cfg    MuxConfig
	dialer net.Dialer
}

var _ Dialer = (*MuxDialer)(nil)

func NewMuxDialer(cfg MuxConfig) *MuxDialer {
	return &MuxDialer{cfg: cfg}
}

func (d *MuxDialer) Dial(ctx context.Context, addr string) (Session, error) {
	conn, err := d.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	var (
		state   *tls.ConnectionState
		secured *readErrConn
	)
	if d.cfg.Negotiator != nil {
		tlsConn, st, err := d.cfg.Negotiator.Negotiate(ctx, conn, RoleInitiator)
		if err != nil {
			conn.Close()
			return nil, err
		}
		secured = &readErrConn{Conn: tlsConn}
		conn, state = secured, st
	}

	session, err := yamux.Client(conn, d.cfg.yamuxConfig())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: failed to create yamux client: %w", err)
	}

	// With TLS 1.3 the client finishes its handshake before the server
	// verified the client certificate: a rejection only shows up on the
	// first read, so the session is confirmed before being handed out.
	if secured != nil {
		if err := confirmSession(ctx, session); err != nil {
			session.Close()
			if ctx.Err() != nil {
				return nil, err
			}
			if readErr := secured.readErr(); readErr != nil {
				err = readErr
			}
			return nil, fmt.Errorf("%w: peer closed the session after the handshake: %w", ErrHandshake, err)
		}
	}
	return newMuxSession(session, state, nil), nil
}

// confirmSession waits for a round trip on session, for at most ctx.
func confirmSession(ctx context.Context, session *yamux.Session) error {
	pong := make(chan error, 1)
	go func() {
		_, err := session.Ping()
		pong <- err
	}()

	select {
	case err := <-pong:
		return err
	case <-ctx.Done():
		session.Close()
		<-pong
		return ctx.Err()
	}
}

// readErrConn remembers the first read error of a connection, such as the
// alert a TLS peer sent before closing.
type readErrConn struct {
	net.Conn

	mu  sync.Mutex
	err error
}

func (c *readErrConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if err != nil {
		c.mu.Lock()
		if c.err == nil {
			c.err = err
		}
		c.mu.Unlock()
	}
	return n, err
}

func (c *readErrConn) readErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// MuxListener accepts TCP connections to be multiplexed with yamux.
type MuxListener struct {
	cfg     MuxConfig
	ln      net.Listener
	limiter *connlimit.Limiter
}

var _ Listener = (*MuxListener)(nil)

func ListenMux(addr string, cfg MuxConfig) (*MuxListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate TCP listener: %w", err)
	}

	l := &MuxListener{cfg: cfg, ln: ln}
	if cfg.MaxConnsPerClientIP > 0 {
		l.limiter = connlimit.NewLimiter(connlimit.Config{
			MaxConnsPerClientIP: cfg.MaxConnsPerClientIP,
		})
	}
	return l, nil
}

// Accept returns an error wrapping `ErrConnLimit` when the client IP
// already holds its quota of connections. The listener keeps running.
func (l *MuxListener) Accept(ctx context.Context) (Incoming, error) {
	stop := context.AfterFunc(ctx, func() {
		l.ln.Close()
	})
	defer stop()

	conn, err := l.ln.Accept()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, fmt.Errorf("%w: %w", ErrListenerClosed, err)
		}
		return nil, err
	}

	free := func() {}
	if l.limiter != nil {
		release, err := l.limiter.Accept(conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %s: %w", ErrConnLimit, conn.RemoteAddr(), err)
		}
		free = release
	}

	return &muxIncoming{conn: conn, cfg: &l.cfg, free: sync.OnceFunc(free)}, nil
}

func (l *MuxListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *MuxListener) Close() error {
	err := l.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

type muxIncoming struct {
	conn net.Conn
	cfg  *MuxConfig
	free func()
}

func (in *muxIncoming) RemoteAddr() net.Addr {
	return in.conn.RemoteAddr()
}

func (in *muxIncoming) Establish(ctx context.Context) (Session, error) {
	conn := in.conn
	var state *tls.ConnectionState
	if in.cfg.Negotiator != nil {
		secured, st, err := in.cfg.Negotiator.Negotiate(ctx, conn, RoleResponder)
		if err != nil {
			in.Close()
			return nil, err
		}
		conn, state = secured, st
	}

	session, err := yamux.Server(conn, in.cfg.yamuxConfig())
	if err != nil {
		in.Close()
		return nil, fmt.Errorf("transport: failed to create yamux server: %w", err)
	}
	return newMuxSession(session, state, in.free), nil
}

func (in *muxIncoming) Close() error {
	defer in.free()
	return in.conn.Close()
}

// muxSession adapts a yamux session. yamux accepts streams without a
// context, so a single goroutine pumps them to `AcceptStream` callers.
type muxSession struct {
	session *yamux.Session
	state   *tls.ConnectionState
	onClose func()

	acceptOnce sync.Once
	accepted   chan *yamux.Stream
	acceptErr  error
	acceptDone chan struct{}
}

var _ Session = (*muxSession)(nil)

func newMuxSession(session *yamux.Session, state *tls.ConnectionState, onClose func()) *muxSession {
	if onClose == nil {
		onClose = func() {}
	}
	return &muxSession{
		session:    session,
		state:      state,
		onClose:    sync.OnceFunc(onClose),
		accepted:   make(chan *yamux.Stream),
		acceptDone: make(chan struct{}),
	}
}

func (s *muxSession) OpenStream(ctx context.Context) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stream, err := s.session.OpenStream()
	if err != nil {
		return nil, s.wrapErr(err)
	}
	return &muxStream{Stream: stream}, nil
}

func (s *muxSession) AcceptStream(ctx context.Context) (Stream, error) {
	s.acceptOnce.Do(func() {
		go s.acceptLoop()
	})

	select {
	case stream := <-s.accepted:
		return &muxStream{Stream: stream}, nil
	case <-s.acceptDone:
		return nil, s.wrapErr(s.acceptErr)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *muxSession) acceptLoop() {
	defer close(s.acceptDone)
	for {
		stream, err := s.session.AcceptStream()
		if err != nil {
			s.acceptErr = err
			return
		}

		select {
		case s.accepted <- stream:
		case <-s.session.CloseChan():
			stream.Close()
			s.acceptErr = yamux.ErrSessionShutdown
			return
		}
	}
}

func (s *muxSession) GoAway() error {
	return s.session.GoAway()
}

func (s *muxSession) Done() <-chan struct{} {
	return s.session.CloseChan()
}

func (s *muxSession) ConnectionState() *tls.ConnectionState {
	return s.state
}

func (s *muxSession) LocalAddr() net.Addr {
	return s.session.LocalAddr()
}

func (s *muxSession) RemoteAddr() net.Addr {
	return s.session.RemoteAddr()
}

func (s *muxSession) Close() error {
	defer s.onClose()
	return s.session.Close()
}

func (s *muxSession) wrapErr(err error) error {
	if s.session.IsClosed() || errors.Is(err, yamux.ErrSessionShutdown) {
		s.onClose()
		return fmt.Errorf("%w: %w", ErrSessionClosed, err)
	}
	return err
}

type muxStream struct {
	*yamux.Stream
}

// Reset fails pending operations locally and closes the stream. yamux
// has no reset frame, so the peer only observes the close.
func (s *muxStream) Reset() {
	s.Stream.SetDeadline(time.Now())
	s.Stream.Close()
}
