package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"time"

	"github.com/quic-go/quic-go"
)

// ALPN is the application protocol negotiated on QUIC connections.
const ALPN = "strait/1"

const defaultUDPBufferSize int = 1 << 21

// QUICConfig configures both sides of the QUIC transport.
type QUICConfig struct {
	// TLS is mandatory for QUIC. A listener needs `Certificates`, a dialer
	// needs `RootCAs` and `ServerName` unless it skips verification.
	TLS *tls.Config

	// BufferSize of the requested UDP kernel buffer for listeners.
	BufferSize int

	// EnforceBufferSize fails the listener if the kernel doesn't allocate
	// what we asked. Otherwise, we divide the requested size by 2 until it
	// fits.
	EnforceBufferSize bool

	// MaxIncomingStreams caps the streams a peer may have open at once
	// on a single connection.
	MaxIncomingStreams int64

	MaxIdleTimeout  time.Duration
	KeepAlivePeriod time.Duration

	// HandshakeTimeout bounds the QUIC and TLS handshake.
	HandshakeTimeout time.Duration

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

func (cfg *QUICConfig) tlsConfig() (*tls.Config, error) {
	if cfg.TLS == nil {
		return nil, ErrNoTLSConfig
	}
	tlsConf := cfg.TLS.Clone()
	if !slices.Contains(tlsConf.NextProtos, ALPN) {
		tlsConf.NextProtos = append(tlsConf.NextProtos, ALPN)
	}
	return tlsConf, nil
}

func (cfg *QUICConfig) quicConfig() *quic.Config {
	maxStreams := cfg.MaxIncomingStreams
	if maxStreams == 0 {
		maxStreams = 10000
	}
	idle := cfg.MaxIdleTimeout
	if idle == 0 {
		idle = time.Minute
	}
	return &quic.Config{
		Versions:              []quic.Version{quic.Version2, quic.Version1},
		HandshakeIdleTimeout:  cfg.HandshakeTimeout,
		MaxIdleTimeout:        idle,
		KeepAlivePeriod:       cfg.KeepAlivePeriod,
		MaxIncomingStreams:    maxStreams,
		MaxIncomingUniStreams: -1,
		Allow0RTT:             false,
	}
}

func (cfg *QUICConfig) logger() *slog.Logger {
	if cfg.LogHandler == nil {
		return slog.Default()
	}
	return slog.New(cfg.LogHandler)
}

// QUICDialer dials QUIC sessions.
type QUICDialer struct {
	cfg QUICConfig
}

var _ Dialer = (*QUICDialer)(nil)

func NewQUICDialer(cfg QUICConfig) (*QUICDialer, error) {
	if cfg.TLS == nil {
		return nil, ErrNoTLSConfig
	}
	return &QUICDialer{cfg: cfg}, nil
}

func (d *QUICDialer) Dial(ctx context.Context, addr string) (Session, error) {
	tlsConf, err := d.cfg.tlsConfig()
	if err != nil {
		return nil, err
	}

	conn, err := quic.DialAddr(ctx, addr, tlsConf, d.cfg.quicConfig())
	if err != nil {
		if IsSecurityError(err) {
			return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
		}
		return nil, err
	}

	state := conn.ConnectionState().TLS
	if err := VerifyIdentity(&state, RoleInitiator, tlsConf); err != nil {
		QErrIdentity.Close(conn, err.Error())
		return nil, err
	}
	return &quicSession{conn: conn, tlsConf: tlsConf}, nil
}

// QUICListener accepts QUIC sessions on a UDP socket.
type QUICListener struct {
	cfg     QUICConfig
	tlsConf *tls.Config
	logger  *slog.Logger

	udpLn *net.UDPConn
	tr    *quic.Transport
	ln    *quic.Listener
}

var _ Listener = (*QUICListener)(nil)

func ListenQUIC(addr string, cfg QUICConfig) (l *QUICListener, err error) {
	tlsConf, err := cfg.tlsConfig()
	if err != nil {
		return nil, err
	}

	l = &QUICListener{
		cfg:     cfg,
		tlsConf: tlsConf,
		logger:  cfg.logger(),
	}

	defer func() {
		if err != nil {
			l.Close()
		}
	}()

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid UDP address %q: %w", addr, err)
	}

	l.udpLn, err = net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate UDP listener: %w", err)
	}

	requested := cfg.BufferSize
	if requested == 0 {
		requested = defaultUDPBufferSize
	}
	if err := l.negotiateBufferSize(requested); err != nil {
		return nil, err
	}

	l.tr = &quic.Transport{Conn: l.udpLn}
	l.ln, err = l.tr.Listen(tlsConf, cfg.quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: failed to allocate QUIC listener: %w", err)
	}
	return l, nil
}

func (l *QUICListener) Accept(ctx context.Context) (Incoming, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		if errors.Is(err, quic.ErrServerClosed) {
			return nil, fmt.Errorf("%w: %w", ErrListenerClosed, err)
		}
		if ctx.Err() != nil {
			l.Close()
			return nil, fmt.Errorf("%w: %w", ErrListenerClosed, ctx.Err())
		}
		return nil, err
	}
	return &quicIncoming{conn: conn, tlsConf: l.tlsConf}, nil
}

func (l *QUICListener) Addr() net.Addr {
	if l.udpLn == nil {
		return nil
	}
	return l.udpLn.LocalAddr()
}

func (l *QUICListener) Close() error {
	var errs []error
	if l.ln != nil {
		errs = append(errs, l.ln.Close())
	}
	if l.tr != nil {
		errs = append(errs, l.tr.Close())
	}
	if l.udpLn != nil {
		if err := l.udpLn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (l *QUICListener) negotiateBufferSize(requested int) error {
	size := requested
	for size > 0 {
		if err := l.udpLn.SetReadBuffer(size); err != nil {
			if l.cfg.EnforceBufferSize {
				return fmt.Errorf("transport: cannot allocate a UDP buffer of %d bytes: %w", requested, err)
			}
			size = size >> 1
			continue
		}
		if size != requested {
			l.logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		return nil
	}
	return fmt.Errorf("transport: cannot allocate any UDP buffer")
}

type quicIncoming struct {
	conn    quic.Connection
	tlsConf *tls.Config
}

func (in *quicIncoming) RemoteAddr() net.Addr {
	return in.conn.RemoteAddr()
}

// Establish only checks the peer identity: quic-go hands out connections
// once their handshake is complete.
func (in *quicIncoming) Establish(_ context.Context) (Session, error) {
	state := in.conn.ConnectionState().TLS
	if err := VerifyIdentity(&state, RoleResponder, in.tlsConf); err != nil {
		QErrIdentity.Close(in.conn, err.Error())
		return nil, err
	}
	return &quicSession{conn: in.conn, tlsConf: in.tlsConf}, nil
}

func (in *quicIncoming) Close() error {
	return QErrShutdown.Close(in.conn, "connection refused")
}

type quicSession struct {
	conn    quic.Connection
	tlsConf *tls.Config
}

var _ Session = (*quicSession)(nil)

func (s *quicSession) OpenStream(ctx context.Context) (Stream, error) {
	stream, err := s.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, s.wrapErr(err)
	}
	return &quicStream{Stream: stream}, nil
}

func (s *quicSession) AcceptStream(ctx context.Context) (Stream, error) {
	stream, err := s.conn.AcceptStream(ctx)
	if err != nil {
		return nil, s.wrapErr(err)
	}
	return &quicStream{Stream: stream}, nil
}

// GoAway is a no-op: QUIC has no transport-level signal for it.
func (s *quicSession) GoAway() error {
	return nil
}

func (s *quicSession) Done() <-chan struct{} {
	return s.conn.Context().Done()
}

func (s *quicSession) ConnectionState() *tls.ConnectionState {
	state := s.conn.ConnectionState().TLS
	return &state
}

func (s *quicSession) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *quicSession) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

func (s *quicSession) Close() error {
	return QErrNoError.Close(s.conn, "closing")
}

func (s *quicSession) wrapErr(err error) error {
	if s.conn.Context().Err() != nil {
		return fmt.Errorf("%w: %w", ErrSessionClosed, err)
	}
	return err
}

// NB: quic-go streams synchronise Read, Write and Close internally, and
// CancelRead/CancelWrite may be called concurrently with both.
type quicStream struct {
	quic.Stream
}

func (s *quicStream) Reset() {
	s.CancelWrite(QErrStreamCancelled)
	s.CancelRead(QErrStreamCancelled)
}
