// Package strait is an RPC transport: a `Channel` sends requests to named
// services over multiplexed connections, and a `Server` dispatches them to
// handlers.
//
// ## Transports
//
// Endpoints are URIs whose scheme selects the transport:
//
// * `http://` is plaintext TCP, multiplexed with yamux.
// * `https://` is TLS over TCP, multiplexed with yamux.
// * `quic://` is QUIC, which always runs TLS 1.3.
//
// Each call takes one stream. A request frame carries the service, an
// optional method, metadata, the remaining time before the caller deadline
// and an opaque payload. The response frame carries either a payload or a
// `Status`. Payload encoding is up to the caller, `ProtoClient` and
// `ProtoHandler` cover protobuf messages.
//
// ## Channel
//
// A `Channel` keeps at most one connection per endpoint. Endpoints come
// from `WithTarget`, `WithEndpoints` or a `Resolver` such as
// `ManualResolver` or the gossip resolver of `pkg/discovery`. Connections
// are dialed on demand, shared by concurrent calls and balanced by a
// `Balancer`. An endpoint failing to connect is retried with exponential
// backoff, and calls fail fast with `ErrTransportUnavailable` when no
// endpoint can serve them.
//
// Policies are middlewares around each call, outermost first: rate limit,
// concurrency limit, timeout, then user middlewares.
//
// ## Server
//
// A `Server` listens on any number of URIs. Streams of a connection may be
// limited with `WithConcurrencyLimitPerConnection`. Handlers see the
// caller's deadline and identity (`PeerFromContext`), and their context is
// cancelled when the caller gives up. `Server.Shutdown` drains in-flight
// streams before cancelling them.
//
// ## Errors
//
// Failures wrap the sentinels of this package and `StatusFromError` maps
// any of them to a `Code`.
package strait
