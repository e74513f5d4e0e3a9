package strait

import (
	"context"
	"maps"
)

// Metadata are string pairs sent alongside a payload.
type Metadata map[string]string

func (md Metadata) Get(key string) string {
	return md[key]
}

func (md Metadata) Clone() Metadata {
	if md == nil {
		return nil
	}
	return maps.Clone(md)
}

// Request is one call to a named service. The payload is opaque.
type Request struct {
	Service  string
	Method   string
	Metadata Metadata
	Payload  []byte
}

type Response struct {
	Metadata Metadata
	Payload  []byte
}

// Invoker performs a call. `Channel.Call` is an Invoker, and so is every
// layer of a middleware chain.
type Invoker func(ctx context.Context, req *Request) (*Response, error)

// Middleware wraps an `Invoker` with a cross-cutting behaviour.
type Middleware func(next Invoker) Invoker

// Chain composes middlewares, the first one being the outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Invoker) Invoker {
		for i := len(mws) - 1; i >= 0; i-- {
			if mws[i] != nil {
				next = mws[i](next)
			}
		}
		return next
	}
}

// Handler serves the calls of one service.
//
// The context is cancelled when the caller abandons the call, when the
// propagated deadline expires, or when the server is forced to stop.
// Returning a `*Status` chooses the code sent back; any other error is
// reported as `CodeUnknown`.
type Handler interface {
	Serve(ctx context.Context, req *Request) (*Response, error)
}

type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

func (fn HandlerFunc) Serve(ctx context.Context, req *Request) (*Response, error) {
	return fn(ctx, req)
}
