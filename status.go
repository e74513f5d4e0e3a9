package strait

import (
	"context"
	"errors"
	"fmt"

	"github.com/raskyld/strait/pkg/limit"
	"github.com/raskyld/strait/pkg/transport"
)

// Code classifies the outcome of a call. Values are sent on the wire.
type Code uint32

const (
	CodeOK Code = iota
	CodeCanceled
	CodeUnknown
	CodeInvalidArgument
	CodeDeadlineExceeded
	CodeNotFound
	CodeResourceExhausted
	CodeInternal
	CodeUnavailable
	CodeUnimplemented
	CodeUnauthenticated
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeCanceled:
		return "canceled"
	case CodeUnknown:
		return "unknown"
	case CodeInvalidArgument:
		return "invalid_argument"
	case CodeDeadlineExceeded:
		return "deadline_exceeded"
	case CodeNotFound:
		return "not_found"
	case CodeResourceExhausted:
		return "resource_exhausted"
	case CodeInternal:
		return "internal"
	case CodeUnavailable:
		return "unavailable"
	case CodeUnimplemented:
		return "unimplemented"
	case CodeUnauthenticated:
		return "unauthenticated"
	default:
		return fmt.Sprintf("code(%d)", uint32(c))
	}
}

// Status is an error carrying a `Code`. Handlers return it to choose the
// code sent to the caller, and callers receive it for every non-OK
// response produced by a server.
type Status struct {
	Code     Code
	Message  string
	Metadata Metadata
}

// Errorf builds a `*Status` error.
func Errorf(code Code, format string, args ...any) *Status {
	return &Status{Code: code, Message: fmt.Sprintf(format, args...)}
}

func (s *Status) Error() string {
	if s.Message == "" {
		return fmt.Sprintf("rpc status %s", s.Code)
	}
	return fmt.Sprintf("rpc status %s: %s", s.Code, s.Message)
}

// Is matches any `*Status` with the same code, so callers can write
// `errors.Is(err, &strait.Status{Code: strait.CodeNotFound})`.
func (s *Status) Is(target error) bool {
	var other *Status
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == s.Code
}

// StatusFromError classifies any error returned by a `Channel` or a
// handler. A nil error is `CodeOK`.
func StatusFromError(err error) *Status {
	if err == nil {
		return &Status{Code: CodeOK}
	}

	var st *Status
	if errors.As(err, &st) {
		return st
	}

	return &Status{Code: codeOf(err), Message: err.Error()}
}

// CodeOf is a shortcut for `StatusFromError(err).Code`.
func CodeOf(err error) Code {
	return StatusFromError(err).Code
}

func codeOf(err error) Code {
	switch {
	case errors.Is(err, ErrDeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return CodeDeadlineExceeded
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	case errors.Is(err, ErrSecurity), transport.IsSecurityError(err):
		return CodeUnauthenticated
	case errors.Is(err, ErrResourceExhausted), errors.Is(err, limit.ErrQueueFull), errors.Is(err, ErrFrameTooLarge):
		return CodeResourceExhausted
	case errors.Is(err, ErrConfiguration):
		return CodeInvalidArgument
	case errors.Is(err, ErrProtocolViolation):
		return CodeInternal
	case errors.Is(err, ErrConnect),
		errors.Is(err, ErrTransportUnavailable),
		errors.Is(err, ErrChannelClosed),
		errors.Is(err, ErrServerStopped):
		return CodeUnavailable
	default:
		return CodeUnknown
	}
}
