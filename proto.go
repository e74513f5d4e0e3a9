package strait

import (
	"context"
	"fmt"
	"reflect"

	"google.golang.org/protobuf/proto"
)

// ProtoClient performs typed calls to one service with protobuf payloads.
type ProtoClient[Req proto.Message, Resp proto.Message] struct {
	Invoker Invoker
	Service string
	Method  string
}

// NewProtoClient binds a typed client to a service of ch.
func NewProtoClient[Req proto.Message, Resp proto.Message](ch *Channel, service, method string) ProtoClient[Req, Resp] {
	return ProtoClient[Req, Resp]{Invoker: ch.Call, Service: service, Method: method}
}

// Call marshals in, performs the call and unmarshals the response payload
// into out.
func (c ProtoClient[Req, Resp]) Call(ctx context.Context, in Req, out Resp, md Metadata) (Metadata, error) {
	payload, err := proto.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot marshal %s: %w", ErrConfiguration, reflect.TypeFor[Req](), err)
	}

	resp, err := c.Invoker(ctx, &Request{
		Service:  c.Service,
		Method:   c.Method,
		Metadata: md,
		Payload:  payload,
	})
	if err != nil {
		return nil, err
	}

	if err := proto.Unmarshal(resp.Payload, out); err != nil {
		return resp.Metadata, fmt.Errorf("%w: cannot unmarshal %s: %w", ErrProtocolViolation, reflect.TypeFor[Resp](), err)
	}
	return resp.Metadata, nil
}

// ProtoHandler adapts a typed function to a `Handler`. newReq allocates
// the message the payload is decoded into.
func ProtoHandler[Req proto.Message, Resp proto.Message](
	newReq func() Req,
	fn func(ctx context.Context, in Req, md Metadata) (Resp, Metadata, error),
) Handler {
	return HandlerFunc(func(ctx context.Context, req *Request) (*Response, error) {
		in := newReq()
		if err := proto.Unmarshal(req.Payload, in); err != nil {
			return nil, Errorf(CodeInvalidArgument, "cannot unmarshal %s: %s", reflect.TypeFor[Req](), err)
		}

		out, md, err := fn(ctx, in, req.Metadata)
		if err != nil {
			return nil, err
		}

		payload, err := proto.Marshal(out)
		if err != nil {
			return nil, Errorf(CodeInternal, "cannot marshal %s: %s", reflect.TypeFor[Resp](), err)
		}
		return &Response{Metadata: md, Payload: payload}, nil
	})
}
