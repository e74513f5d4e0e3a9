package strait

import "errors"

var (
	ErrConfiguration        = errors.New("channel: invalid configuration")
	ErrConnect              = errors.New("channel: could not connect")
	ErrSecurity             = errors.New("channel: security negotiation failed")
	ErrTransportUnavailable = errors.New("channel: no transport available")
	ErrDeadlineExceeded     = errors.New("channel: deadline exceeded")
	ErrResourceExhausted    = errors.New("channel: resource exhausted")
	ErrChannelClosed        = errors.New("channel: closed")

	ErrInvalidURI      = errors.New("endpoint: invalid URI")
	ErrUnknownScheme   = errors.New("endpoint: scheme must be one of http, https or quic")
	ErrInvalidPEM      = errors.New("tls: no valid PEM block found")
	ErrTLSOverPlainURI = errors.New("endpoint: TLS configured on an http endpoint")

	ErrServiceName       = errors.New("server: service names must only contain alphanum, dashes, dots, slashes and underscores")
	ErrServiceConflict   = errors.New("server: service registered twice")
	ErrServerStopped     = errors.New("server: stopped")
	ErrProtocolViolation = errors.New("wire: protocol violation")
	ErrFrameTooLarge     = errors.New("wire: frame exceeds max message size")
)
